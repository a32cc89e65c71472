// Package cmd wires the CLI: flags, config resolution, and the serve
// lifecycle around the bridge.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/sparkbridge/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "sparkbridge",
	Short: "Local bridge between browser UI annotations and a coding agent",
	Long: `Sparkbridge runs a local WebSocket server that accepts UI-annotation
jobs from a browser overlay, forwards them to a coding-agent subprocess,
and streams progress, approval prompts, and results back to the overlay.`,
	RunE: runServe,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/sparkbridge/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.Flags().IntP("port", "p", 0, "WebSocket listen port")
	rootCmd.Flags().String("project", "", "default project root for agent sessions")
	rootCmd.Flags().StringP("model", "m", "", "agent model")
	rootCmd.Flags().Int("concurrency", 0, "max concurrent agent jobs")
	rootCmd.Flags().String("banana-model", "", "agent model for image-apply jobs")
	rootCmd.Flags().Bool("dry-run", false, "simulate agent responses without spawning a subprocess")
	rootCmd.Flags().String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")

	_ = viper.BindPFlag("server.port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.project_root", rootCmd.Flags().Lookup("project"))
	_ = viper.BindPFlag("agent.model", rootCmd.Flags().Lookup("model"))
	_ = viper.BindPFlag("server.concurrency", rootCmd.Flags().Lookup("concurrency"))
	_ = viper.BindPFlag("server.dry_run", rootCmd.Flags().Lookup("dry-run"))
	_ = viper.BindPFlag("logging.level", rootCmd.Flags().Lookup("log-level"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/sparkbridge")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SPARKBRIDGE")
	// Replace dots with underscores for nested keys in env vars
	// e.g., SPARKBRIDGE_AGENT_MODEL for agent.model
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
