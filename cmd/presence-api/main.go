package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artrio/presence-backend/internal/accounts"
	"github.com/artrio/presence-backend/internal/broadcast"
	"github.com/artrio/presence-backend/internal/config"
	"github.com/artrio/presence-backend/internal/database"
	"github.com/artrio/presence-backend/internal/logging"
	"github.com/artrio/presence-backend/internal/presence"
	"github.com/artrio/presence-backend/internal/server"
	"github.com/artrio/presence-backend/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "presence-api",
		Short: "Presence reconciliation backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("heartbeat-seconds", defaults.GetInt("presence.heartbeat_seconds"), "Heartbeat interval in seconds")
	cmd.PersistentFlags().Int("staleness-seconds", defaults.GetInt("presence.staleness_seconds"), "Staleness window in seconds (must be at least twice the heartbeat interval)")
	cmd.PersistentFlags().Int("cache-ttl-millis", defaults.GetInt("presence.cache_ttl_millis"), "Observer cache TTL in milliseconds")
	cmd.PersistentFlags().Int("debounce-millis", defaults.GetInt("presence.debounce_millis"), "Change feed debounce window in milliseconds")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "presence.heartbeat_seconds", "heartbeat-seconds")
	bindFlag(cmd, "presence.staleness_seconds", "staleness-seconds")
	bindFlag(cmd, "presence.cache_ttl_millis", "cache-ttl-millis")
	bindFlag(cmd, "presence.debounce_millis", "debounce-millis")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	accountsService, err := accounts.NewService(accounts.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	storeService, err := store.NewService(store.ServiceConfig{
		Database: db,
		Accounts: accountsService,
		Feed:     store.NewChangeFeed(),
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(broadcast.HubConfig{
		Memberships: broadcast.NewMemberships(),
		Clock:       time.Now,
		Logger:      logger,
	})

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Records:              storeService,
		Feed:                 storeService.Feed(),
		Channel:              hub.Memberships(),
		StalenessWindow:      appConfig.StalenessWindow,
		RecentActivityWindow: appConfig.RecentActivityWindow,
		CacheTTL:             appConfig.CacheTTL,
		DebounceWindow:       appConfig.DebounceWindow,
		Clock:                time.Now,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tracker.Start(signalCtx); err != nil {
		return err
	}

	tokens := server.NewSessionTokens(server.SessionTokenConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "presence-auth",
		Audience:      "presence-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts: accountsService,
		Store:    storeService,
		Tracker:  tracker,
		Hub:      hub,
		Tokens:   tokens,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Duration("heartbeat_interval", appConfig.HeartbeatInterval),
			zap.Duration("staleness_window", appConfig.StalenessWindow))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
