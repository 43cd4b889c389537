package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/embra/widgetbridge/pkg/monitor"
)

const (
	// DefaultVersion is the default version string
	DefaultVersion = "0.1.0"

	// DefaultBridgeAddr is where the monitor looks for the bridge feed
	DefaultBridgeAddr = "127.0.0.1:8433"
)

var (
	// CLI flags
	bridgeAddr  string
	versionFlag bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Widgetbridge monitor - live view of bridge traffic and statistics",
	Long: `Monitor is the terminal interface for widgetbridge that streams the
bridge's event feed and periodic statistics frames into a live dashboard.

Connects to the bridge's /monitor websocket endpoint.`,
	Version: DefaultVersion,
	RunE:    runMonitor,
}

// runMonitor executes the main monitor logic
func runMonitor(cmd *cobra.Command, args []string) error {
	// Show version if requested
	if versionFlag {
		fmt.Printf("monitor version %s\n", DefaultVersion)
		return nil
	}

	// Create the monitor model
	model := monitor.NewModel(bridgeAddr, DefaultVersion)

	// Start the Bubbletea program
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run monitor: %w", err)
	}

	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&bridgeAddr, "addr", DefaultBridgeAddr,
		"Bridge address (host:port) serving the monitor feed")

	rootCmd.Flags().BoolVar(&versionFlag, "version", false,
		"Show version information")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Command execution failed:", err)
		os.Exit(1)
	}
}
