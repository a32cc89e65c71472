// Package server runs the bridge itself: a local WebSocket endpoint that
// accepts annotation jobs from browser overlays, funnels them through the
// work queue into the agent session, and routes progress, approval, and
// result frames back to the socket that owns each job.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/sparkbridge/internal/agent"
	"github.com/Iron-Ham/sparkbridge/internal/annotation"
	"github.com/Iron-Ham/sparkbridge/internal/approval"
	"github.com/Iron-Ham/sparkbridge/internal/config"
	"github.com/Iron-Ham/sparkbridge/internal/errors"
	"github.com/Iron-Ham/sparkbridge/internal/event"
	"github.com/Iron-Ham/sparkbridge/internal/imagegen"
	"github.com/Iron-Ham/sparkbridge/internal/logging"
	"github.com/Iron-Ham/sparkbridge/internal/queue"
	"github.com/Iron-Ham/sparkbridge/internal/router"
)

// agentSession is the slice of the agent client the bridge drives. Tests
// substitute a scripted fake.
type agentSession interface {
	Start(ctx context.Context) error
	Stop()
	Restart(ctx context.Context) error
	SetModel(model string)
	Model() string
	Execute(ctx context.Context, a *annotation.Annotation, cwd string, onProgress agent.ProgressFunc, onApproval agent.ApprovalFunc, opts *agent.CallOptions) agent.Result
	Reply(ctx context.Context, threadID, replyPrompt string, onProgress agent.ProgressFunc, onApproval agent.ApprovalFunc) agent.Result
}

// imageClient is the slice of the image-generation client the bridge uses.
type imageClient interface {
	Analyze(ctx context.Context, screenshotBase64, instruction string, count int, onProgress imagegen.ProgressFunc) ([]annotation.Suggestion, error)
	DescribeDiff(ctx context.Context, originalBase64, targetBase64, instruction string, onProgress imagegen.ProgressFunc) (string, error)
}

// queueItem is one annotation job waiting for a worker slot.
type queueItem struct {
	ann         *annotation.Annotation
	projectRoot string
	peer        *router.Peer
	plan        bool
}

// Bridge owns every moving part of the server: the listener, the live
// socket registry, the job router, the work queue, the approval table,
// the agent session, and the optional image-generation client.
type Bridge struct {
	cfg *config.Config
	log *logging.Logger

	registry  *router.Registry
	router    *router.Router
	approvals *approval.Coordinator
	queue     *queue.Queue[queueItem]
	bus       *event.Bus
	agent     agentSession

	threads *threadMap

	imageMu     sync.Mutex
	images      map[string]*annotation.ImageRequest
	imageClient imageClient
	imageAPIKey string

	// newImageClient builds a client for a key/model pair. Swapped in tests.
	newImageClient func(apiKey, model string) (imageClient, error)

	// detectRoot resolves a client's project root from its Origin header.
	// Swapped in tests.
	detectRoot func(origin string) string

	// applyModel overrides the agent model for image-apply calls when set.
	applyModel string

	// simDelay paces dry-run progress frames. Shortened in tests.
	simDelay time.Duration

	httpSrv  *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
}

// New assembles a Bridge from cfg. Start must be called before it serves.
func New(cfg *config.Config) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:       cfg,
		log:       logging.Default().WithComponent("server"),
		registry:  router.NewRegistry(cfg.Server.ProjectRoot),
		router:    router.NewRouter(),
		approvals: approval.NewCoordinator(),
		bus:       event.NewBus(),
		threads:   newThreadMap(),
		images:    make(map[string]*annotation.ImageRequest),
		simDelay:  500 * time.Millisecond,
		ctx:       ctx,
		cancel:    cancel,
	}
	b.agent = agent.NewSessionClient(agent.Config{
		Command:              cfg.Agent.Command,
		Model:                cfg.Agent.Model,
		SandboxMode:          cfg.Agent.SandboxMode,
		FirstCallIdleTimeout: cfg.Agent.FirstCallIdleTimeout(),
		ReplyIdleTimeout:     cfg.Agent.ReplyIdleTimeout(),
	})
	b.newImageClient = func(apiKey, model string) (imageClient, error) {
		return imagegen.New(apiKey, model, imagegen.WithTimeout(cfg.Image.Timeout()))
	}
	b.detectRoot = router.DetectProjectRootFromOrigin
	b.queue = queue.New(cfg.Server.Concurrency, b.processItem)
	return b
}

// Bus exposes the lifecycle event bus so callers can attach observers.
func (b *Bridge) Bus() *event.Bus {
	return b.bus
}

// SetApplyModel sets the model used for image-apply agent calls.
func (b *Bridge) SetApplyModel(model string) {
	b.applyModel = model
}

// SetModel changes the agent model for subsequent calls. Used by the
// set_model frame and by config hot reload.
func (b *Bridge) SetModel(model string) {
	if model == "" || model == b.agent.Model() {
		return
	}
	b.agent.SetModel(model)
	b.log.Info("model changed", "model", model)
}

// Start launches the agent session (unless dry-run) and begins accepting
// WebSocket connections. If the port is already taken another bridge is
// assumed to be serving it; Start logs and returns ErrAddrInUse so the
// caller can exit cleanly.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.cfg.Server.DryRun {
		b.log.Info("starting agent session", "command", b.cfg.Agent.Command, "model", b.cfg.Agent.Model)
		if err := b.agent.Start(ctx); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", b.cfg.Server.Port))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			b.log.Info("bridge already running on port, skipping", "port", b.cfg.Server.Port)
			b.agent.Stop()
			return ErrAddrInUse
		}
		b.agent.Stop()
		return err
	}
	b.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", b.handleWebSocket)
	b.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := b.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.log.Error("serve failed", "error", err)
		}
	}()

	mode := "agent"
	if b.cfg.Server.DryRun {
		mode = "dry-run"
	}
	b.log.Info("bridge listening",
		"addr", "ws://"+ln.Addr().String(),
		"project", b.cfg.Server.ProjectRoot,
		"mode", mode,
		"model", b.cfg.Agent.Model)
	return nil
}

// ErrAddrInUse signals that another bridge instance already owns the port.
var ErrAddrInUse = errors.New("bridge port already in use")

// Addr returns the bound listen address, or "" before Start.
func (b *Bridge) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Shutdown stops the agent, closes the listener, denies every pending
// approval, and forgets all connection state.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.cancel()
	b.agent.Stop()
	if b.httpSrv != nil {
		_ = b.httpSrv.Shutdown(ctx)
	}
	b.approvals.ClearAll(false)
	b.registry.Clear()
	b.router.Clear()
	b.queue.Clear()
	b.log.Info("bridge stopped")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// The bridge binds to localhost only; overlays connect from arbitrary
	// dev-server origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	peer := router.NewPeer(conn)
	b.registry.Add(peer)
	b.registerOrigin(peer, r.Header.Get("Origin"))
	b.router.Send(peer, annotation.ServerMessage{Type: annotation.MsgConnected})
	b.log.Info("client connected", "remote", r.RemoteAddr, "clients", b.registry.Len())

	defer func() {
		peer.MarkClosed()
		b.registry.Remove(peer)
		b.router.RemovePeer(peer)
		_ = conn.Close()
		b.log.Info("client disconnected", "clients", b.registry.Len())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg annotation.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.log.Warn("malformed message", "error", err, "prefix", string(truncateBytes(data, 100)))
			continue
		}
		b.dispatch(peer, msg)
	}
}

// registerOrigin seeds the peer's project root from the dev server it
// connected from. A later register frame still overrides it.
func (b *Bridge) registerOrigin(peer *router.Peer, origin string) {
	if origin == "" {
		return
	}
	if root := b.detectRoot(origin); root != "" {
		b.registry.SetProjectRoot(peer, root)
		b.log.Info("auto-detected project root", "project", root, "origin", origin)
	}
}

func (b *Bridge) dispatch(peer *router.Peer, msg annotation.ClientMessage) {
	if msg.Type != annotation.MsgPing {
		b.log.Debug("message received", "type", msg.Type)
	}

	switch msg.Type {
	case annotation.MsgRegister:
		b.registry.SetProjectRoot(peer, msg.ProjectRoot)
		b.log.Info("client registered", "project", msg.ProjectRoot)

	case annotation.MsgAnnotation:
		var a annotation.Annotation
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			b.log.Warn("bad annotation payload", "error", err)
			return
		}
		b.enqueue(&a, b.registry.ProjectRoot(peer), peer, msg.Plan)

	case annotation.MsgApprovalResponse:
		b.resolveApproval(msg.AnnotationID, msg.Approved)

	case annotation.MsgPlanApply:
		go b.handlePlanApply(msg.AnnotationID, msg.Approach, peer)

	case annotation.MsgPing:
		b.router.Send(peer, annotation.ServerMessage{Type: annotation.MsgPong})

	case annotation.MsgRestartAgent:
		go b.restartAgent(peer)

	case annotation.MsgSetModel:
		b.SetModel(msg.Model)

	case annotation.MsgBananaRequest:
		var req annotation.ImageRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			b.log.Warn("bad image request payload", "error", err)
			return
		}
		go b.handleImageRequest(&req, peer, msg.APIKey, msg.Model, msg.Fast)

	case annotation.MsgBananaApply:
		go b.handleImageApply(msg.RequestID, msg.Suggestion, peer)

	default:
		b.log.Warn("unknown message type", "type", msg.Type)
	}
}

func (b *Bridge) restartAgent(peer *router.Peer) {
	if b.cfg.Server.DryRun {
		b.log.Warn("restart ignored in dry-run mode")
		b.router.Send(peer, annotation.ServerMessage{
			Type:    annotation.MsgRestartComplete,
			Success: false,
			Error:   "dry-run mode",
		})
		return
	}

	if err := b.agent.Restart(b.ctx); err != nil {
		b.log.Error("agent restart failed", "error", err)
		b.router.Send(peer, annotation.ServerMessage{
			Type:    annotation.MsgRestartComplete,
			Success: false,
			Error:   err.Error(),
		})
		return
	}

	b.bus.Publish(event.NewSessionRestartedEvent(b.agent.Model(), "user_request"))
	b.router.Send(peer, annotation.ServerMessage{Type: annotation.MsgRestartComplete, Success: true})
}

func truncateBytes(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}
