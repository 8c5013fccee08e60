// Command fragtale is the single-binary entry point: it starts a Fragtale
// server node or, given a subcommand, acts as an HTTP client against one. A
// cobra root wires a "server start" subcommand alongside a flat set of
// client subcommands covering the topic/publish/next/ack/query/verify
// operation set.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/mydriatech/fragtale/internal/cmd/client"
	serverrun "github.com/mydriatech/fragtale/internal/cmd/server"
	cfgpkg "github.com/mydriatech/fragtale/internal/config"
	logpkg "github.com/mydriatech/fragtale/pkg/log"
)

func main() {
	level := os.Getenv("FRAGTALE_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "fragtale",
		Short: "Fragtale runtime CLI",
		Long:  "Fragtale is a single-binary event-sourcing message broker. This CLI manages the server and client operations against it.",
	}

	rootCmd.AddCommand(newServerCommand())
	rootCmd.AddCommand(clientcmd.NewRoot(apiURL).Commands()...)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServerCommand() *cobra.Command {
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}

	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the fragtale server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			backendImpl, _ := cmd.Flags().GetString("backend")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg := cfgpkg.Default()
			// Leave the store path empty so Run derives it from --data-dir
			// (or the OS default data directory).
			cfg.Backend.DataDir = ""
			if backendImpl != "" {
				cfg.Backend.Implementation = backendImpl
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat != "" {
				cfg.Log.Format = logFormat
			}
			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:  dataDir,
				HTTPAddr: httpAddr,
				Config:   cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	serverStartCmd.Flags().String("data-dir", "", "data directory (OS-specific application data directory if unset)")
	serverStartCmd.Flags().String("http", ":8080", "HTTP listen address")
	serverStartCmd.Flags().String("backend", "pebble", "storage backend: pebble|memory")
	serverStartCmd.Flags().String("log-level", os.Getenv("FRAGTALE_LOG_LEVEL"), "log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("FRAGTALE_LOG_FORMAT"), "log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	return serverCmd
}

func apiURL() string {
	if v := os.Getenv("FRAGTALE_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
