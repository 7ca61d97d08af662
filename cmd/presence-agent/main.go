package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artrio/presence-backend/internal/agent"
	"github.com/artrio/presence-backend/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	var (
		serverURL        string
		userID           string
		heartbeatSeconds int
		logLevel         string
	)

	rootCmd := &cobra.Command{
		Use:   "presence-agent",
		Short: "Run one user session against a presence service",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			sessionAgent, err := agent.New(agent.Config{
				ServerURL: serverURL,
				UserID:    userID,
				Interval:  time.Duration(heartbeatSeconds) * time.Second,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return sessionAgent.Run(ctx)
		},
	}

	rootCmd.Flags().StringVar(&serverURL, "server-url", "http://localhost:8080", "Presence service base URL")
	rootCmd.Flags().StringVar(&userID, "user-id", "", "User identifier for this session")
	rootCmd.Flags().IntVar(&heartbeatSeconds, "heartbeat-seconds", 10, "Heartbeat interval in seconds")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	if err := rootCmd.MarkFlagRequired("user-id"); err != nil {
		panic(err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
