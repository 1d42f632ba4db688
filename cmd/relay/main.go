package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Real-time collaboration relay server",
		Long: `Relay is the backend for shared text and whiteboard sessions.

It fans document edits, drawing strokes, file transfers, and game
events out over WebSocket, persists documents to SQLite, and keeps a
small per-session image cache for late joiners.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
