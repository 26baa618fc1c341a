// Command localbuzz matches nearby shop updates against the user's position
// and sends notifications for new ones.
//
// Usage:
//
//	localbuzz serve
//	localbuzz pass --lat 12.97 --lon 77.59
//	localbuzz migrate up
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:           "localbuzz",
		Short:         "Proximity matching and notification dispatch for shop updates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(passCmd())
	root.AddCommand(migrateCmd())

	if err := root.Execute(); err != nil {
		slog.Error("localbuzz", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
