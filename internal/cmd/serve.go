package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/sparkbridge/internal/config"
	"github.com/Iron-Ham/sparkbridge/internal/errors"
	"github.com/Iron-Ham/sparkbridge/internal/event"
	"github.com/Iron-Ham/sparkbridge/internal/logging"
	"github.com/Iron-Ham/sparkbridge/internal/server"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Server.ProjectRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving project root: %w", err)
		}
		cfg.Server.ProjectRoot = cwd
	}

	logDir := ""
	if cfg.Logging.Enabled {
		logDir = cfg.Logging.Dir
	}
	log, err := logging.NewLogger(logDir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	logging.SetDefault(log)
	defer log.Close()

	bridge := server.New(cfg)
	if bananaModel, _ := cmd.Flags().GetString("banana-model"); bananaModel != "" {
		bridge.SetApplyModel(bananaModel)
	}
	subscribeLifecycleLogging(bridge.Bus(), log)

	// Live config: model and log level apply without a restart.
	config.Watch(func(next *config.Config) {
		log.Info("configuration reloaded")
		log.SetLevel(next.Logging.Level)
		bridge.SetModel(next.Agent.Model)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bridge.Start(ctx); err != nil {
		if errors.Is(err, server.ErrAddrInUse) {
			return nil
		}
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bridge.Shutdown(shutdownCtx)
	return nil
}

// subscribeLifecycleLogging mirrors job lifecycle events onto the logger,
// keeping console reporting out of the routing path.
func subscribeLifecycleLogging(bus *event.Bus, log *logging.Logger) {
	bus.SubscribeAll(func(e event.Event) {
		switch ev := e.(type) {
		case event.JobQueuedEvent:
			log.Info("job queued", "job", ev.JobID, "kind", ev.Kind, "comment", ev.Comment)
		case event.JobStatusChangedEvent:
			if ev.Error != "" {
				log.Warn("job status", "job", ev.JobID, "status", ev.Status, "error", ev.Error)
			} else {
				log.Info("job status", "job", ev.JobID, "status", ev.Status)
			}
		case event.JobProgressEvent:
			log.Debug("job progress", "job", ev.JobID, "message", ev.Text)
		case event.ApprovalRequestedEvent:
			log.Info("approval requested", "job", ev.JobID, "command", ev.Command)
		case event.ApprovalResolvedEvent:
			log.Info("approval resolved", "job", ev.JobID, "approved", ev.Approved)
		case event.SessionRestartedEvent:
			log.Info("agent session restarted", "model", ev.Model, "reason", ev.Reason)
		case event.QueueDepthChangedEvent:
			log.Debug("queue depth", "active", ev.Active, "pending", ev.Pending)
		}
	})
}
