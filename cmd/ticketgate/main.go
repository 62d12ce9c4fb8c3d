package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"ticketgate/internal/access"
	"ticketgate/internal/auth"
	"ticketgate/internal/catalog"
	"ticketgate/internal/config"
	"ticketgate/internal/database"
	"ticketgate/internal/distribution"
	"ticketgate/internal/logging"
	"ticketgate/internal/server"
	"ticketgate/internal/subscription"
	"ticketgate/internal/transport"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ticketgate",
		Short: "Subscription-gated file distribution service",
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
	cmd.PersistentFlags().String("bot-token", "", "Bot API token (overrides env)")
	cmd.PersistentFlags().String("bot-username", "", "Bot username used in redemption links")
	cmd.PersistentFlags().String("files-dir", defaults.GetString("storage.files_dir"), "Extracted pool file folder")
	cmd.PersistentFlags().String("backup-dir", defaults.GetString("storage.backup_dir"), "Backup copy folder")
	cmd.PersistentFlags().String("inbox-dir", defaults.GetString("storage.inbox_dir"), "Uploaded bundle scratch folder")
	cmd.PersistentFlags().Int("handoff-timeout-seconds", defaults.GetInt("distribution.handoff_timeout_seconds"), "Per-handoff transmission timeout")
	cmd.PersistentFlags().String("operator-access-key", "", "Operator access key (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Operator token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "bot.token", "bot-token")
	bindFlag(cmd, "bot.username", "bot-username")
	bindFlag(cmd, "storage.files_dir", "files-dir")
	bindFlag(cmd, "storage.backup_dir", "backup-dir")
	bindFlag(cmd, "storage.inbox_dir", "inbox-dir")
	bindFlag(cmd, "distribution.handoff_timeout_seconds", "handoff-timeout-seconds")
	bindFlag(cmd, "auth.operator_access_key", "operator-access-key")
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

	if err := database.EnsureFolders(appConfig.FilesDir, appConfig.BackupDir, appConfig.InboxDir); err != nil {
		return err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	accessService, err := access.NewService(access.ServiceConfig{
		Database:  db,
		AllowList: appConfig.AdminAllowList,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	subscriptionService, err := subscription.NewService(subscription.ServiceConfig{
		Database:    db,
		BotUsername: appConfig.BotUsername,
		Tokens:      subscription.NewTokenProvider(),
		Aliases:     subscription.NewAliasProvider(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ingestor, err := catalog.NewIngestor(catalog.IngestorConfig{
		Database: db,
		FilesDir: appConfig.FilesDir,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	courier, err := transport.NewTelegramCourier(transport.TelegramCourierConfig{
		BotToken:       appConfig.BotToken,
		SendRatePerSec: appConfig.SendRatePerSec,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	engine, err := distribution.NewEngine(distribution.EngineConfig{
		Database:       db,
		Courier:        courier,
		BackupDir:      appConfig.BackupDir,
		HandoffTimeout: appConfig.HandoffTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	operatorTokens, err := auth.NewOperatorTokens(auth.OperatorTokenConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		AccessKey:     appConfig.OperatorAccessKey,
		Issuer:        "ticketgate",
		Audience:      "ticketgate-api",
		TokenTTL:      appConfig.OperatorTokenTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Access:        accessService,
		Subscriptions: subscriptionService,
		Ingestor:      ingestor,
		Engine:        engine,
		Tokens:        operatorTokens,
		InboxDir:      appConfig.InboxDir,
		RedeemRate:    appConfig.RedeemRatePerSec,
		RedeemBurst:   appConfig.RedeemBurst,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
