package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/embra/widgetbridge/internal/config"
	"github.com/embra/widgetbridge/internal/logger"
	"github.com/embra/widgetbridge/pkg/bridge"
	"github.com/embra/widgetbridge/pkg/endpoints"
	"github.com/embra/widgetbridge/pkg/events"
	"github.com/embra/widgetbridge/pkg/transport"
	"github.com/embra/widgetbridge/pkg/types"
)

const (
	// DefaultVersion is the default version string
	DefaultVersion = "0.1.0"
)

var (
	// CLI flags
	cfgFile     string
	logLevel    string
	logFormat   string
	logOutput   string
	serverHost  string
	serverPort  int
	versionFlag bool

	// Global variables
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "widgetbridge",
	Short: "Widgetbridge - cross-origin message broker for embedded widgets",
	Long: `Widgetbridge brokers cross-origin messages between a host application and
embedded widgets. It validates inbound messages against a registry of trusted
widget origins, dispatches recognized actions to an internal event bus, and
returns a correlated success or error response to the sender.`,
	Version: DefaultVersion,
	RunE:    runBridge,
}

// runBridge executes the main bridge logic
func runBridge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// Show version if requested
	if versionFlag {
		fmt.Printf("widgetbridge version %s\n", DefaultVersion)
		return nil
	}

	// Initialize logger
	if err := initLogger(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	rootLog.Info("Starting widgetbridge", "version", DefaultVersion)

	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Build the endpoint registry from configured trusted pairs
	registry, err := endpoints.NewFromConfig(cfg.Endpoints, rootLog)
	if err != nil {
		return fmt.Errorf("failed to build endpoint registry: %w", err)
	}

	// Create the event bus
	bus, err := events.New(cfg.Bus, rootLog)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	events.SetGlobal(bus)

	// Create the websocket transport
	server, err := transport.NewServer(cfg.Server, bus, rootLog)
	if err != nil {
		return fmt.Errorf("failed to create transport server: %w", err)
	}

	// Create the message broker on top of the transport
	broker, err := bridge.New(cfg.Bridge, registry, bus, server, rootLog)
	if err != nil {
		return fmt.Errorf("failed to create message broker: %w", err)
	}
	server.SetStatsProvider(func() interface{} { return broker.Stats() })

	// Attach the broker and start serving
	if err := broker.StartListening(); err != nil {
		return fmt.Errorf("failed to start listening: %w", err)
	}
	if err := server.Listen(ctx); err != nil {
		return fmt.Errorf("failed to start transport server: %w", err)
	}

	if err := bus.Publish(ctx, types.Event{
		Type:   types.EventTypeSystemStartup,
		Source: cfg.Bridge.Source,
	}); err != nil {
		rootLog.Warn("Failed to publish startup event", "error", err)
	}

	rootLog.Info("Widgetbridge is running. Press Ctrl+C to stop.",
		"addr", server.Addr(),
		"trusted_endpoints", registry.Len())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	rootLog.Info("Shutdown signal received", "signal", sig.String())

	// Graceful teardown: detach the broker, close the transport, drain the bus
	if err := bus.PublishSync(ctx, types.Event{
		Type:   types.EventTypeSystemShutdown,
		Source: cfg.Bridge.Source,
	}); err != nil {
		rootLog.Warn("Failed to publish shutdown event", "error", err)
	}
	if err := broker.StopListening(); err != nil {
		rootLog.Error("Failed to stop broker", "error", err)
	}
	if err := server.Close(); err != nil {
		rootLog.Error("Failed to close transport server", "error", err)
	}
	if err := bus.Close(); err != nil {
		rootLog.Error("Failed to close event bus", "error", err)
	}

	rootLog.Info("Widgetbridge shutdown complete")
	return rootLog.Close()
}

// initLogger initializes the global logger based on CLI flags and config
func initLogger() error {
	cfg := config.DefaultLoggingConfig()

	// Override with CLI flags if provided
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	if logOutput != "" {
		cfg.Output = logOutput
	}

	log, err := logger.New(cfg)
	if err != nil {
		return err
	}

	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads the configuration, honoring an explicit config file and
// CLI overrides
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if cfgFile != "" {
		cfg, err = config.LoadFromFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	// Apply CLI overrides (highest precedence)
	cfg.ApplyOverrides(config.OverrideOptions{
		ServerHost: serverHost,
		ServerPort: serverPort,
		LogLevel:   logLevel,
		LogFormat:  logFormat,
		LogOutput:  logOutput,
	})

	return cfg, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if rootLog != nil {
			rootLog.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, "Command execution failed:", err)
		}
		os.Exit(1)
	}
}

func init() {
	// Config file flag
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/widgetbridge/config.yaml)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Server flags
	rootCmd.PersistentFlags().StringVar(&serverHost, "host", "",
		"Websocket server host (default: 127.0.0.1)")
	rootCmd.PersistentFlags().IntVar(&serverPort, "port", 0,
		"Websocket server port (default: from config or env)")

	// Version flag
	rootCmd.Flags().BoolVar(&versionFlag, "version", false,
		"Show version information")
}
