package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/peerflow/internal/activities"
	"github.com/MarcoPoloResearchLab/peerflow/internal/auth"
	"github.com/MarcoPoloResearchLab/peerflow/internal/conditions"
	"github.com/MarcoPoloResearchLab/peerflow/internal/config"
	"github.com/MarcoPoloResearchLab/peerflow/internal/database"
	"github.com/MarcoPoloResearchLab/peerflow/internal/deadlines"
	"github.com/MarcoPoloResearchLab/peerflow/internal/documents"
	"github.com/MarcoPoloResearchLab/peerflow/internal/ledger"
	"github.com/MarcoPoloResearchLab/peerflow/internal/logging"
	"github.com/MarcoPoloResearchLab/peerflow/internal/server"
	"github.com/MarcoPoloResearchLab/peerflow/internal/telemetry"
	"github.com/MarcoPoloResearchLab/peerflow/internal/templates"
	"github.com/MarcoPoloResearchLab/peerflow/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	_ = godotenv.Load()

	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "peerflow-api",
		Short: "Peer review and journal club progression service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and deadline watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newTemplatesCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newRolesCommand())
	rootCmd.AddCommand(newLedgerCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("templates-dir", defaults.GetString("templates.dir"), "Directory of template definitions")
	cmd.PersistentFlags().String("templates-bucket", "", "S3 bucket of template definitions")
	cmd.PersistentFlags().Int("deadline-interval-seconds", defaults.GetInt("deadlines.interval_seconds"), "Deadline scan interval in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "templates.dir", "templates-dir")
	bindFlag(cmd, "templates.s3_bucket", "templates-bucket")
	bindFlag(cmd, "deadlines.interval_seconds", "deadline-interval-seconds")
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

// runtime holds the wired services shared by the server and the CLI
// subcommands.
type runtime struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	registry  *templates.Registry
	evaluator *conditions.Evaluator
	ledger    *ledger.Service
	users     *users.Service
	papers    *documents.Store
	tokens    *auth.TokenIssuer
}

func newRuntime() (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}

	evaluator := conditions.NewEvaluator()
	registry := templates.NewRegistry(templates.NewStore(db, time.Now), evaluator, logger)

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: activities.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return nil, err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		Audience:      appConfig.Auth.Audience,
		TokenTTL:      appConfig.Auth.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		config:    appConfig,
		logger:    logger,
		db:        db,
		registry:  registry,
		evaluator: evaluator,
		ledger:    ledgerService,
		users:     userService,
		papers:    documents.NewStore(db, time.Now),
		tokens:    tokenIssuer,
	}, nil
}

func (r *runtime) Close() {
	_ = r.logger.Sync()
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// templateSource picks the configured bucket, falling back to the directory.
func (r *runtime) templateSource(ctx context.Context) (templates.Source, error) {
	cfg := r.config.Templates
	if cfg.S3Bucket == "" {
		return templates.DirectorySource{Dir: cfg.Dir}, nil
	}
	client, err := templates.NewS3Client(ctx, templates.S3Config{
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	return templates.S3Source{Client: client, Bucket: cfg.S3Bucket, Prefix: cfg.S3Prefix}, nil
}

func runServer(ctx context.Context) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.logger

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     rt.config.OTel.Enabled,
		Endpoint:    rt.config.OTel.Endpoint,
		ServiceName: rt.config.OTel.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	source, err := rt.templateSource(ctx)
	if err != nil {
		return err
	}
	if _, err := rt.registry.LoadFrom(ctx, source); err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	engine, err := activities.NewService(activities.ServiceConfig{
		Database:        rt.db,
		Clock:           time.Now,
		IDProvider:      activities.NewUUIDProvider(),
		Logger:          logger,
		Templates:       rt.registry,
		Evaluator:       rt.evaluator,
		Ledger:          rt.ledger,
		Documents:       rt.papers,
		Roles:           rt.users,
		Publisher:       dispatcher,
		Tracer:          otel.Tracer("github.com/MarcoPoloResearchLab/peerflow/internal/activities"),
		PlatformAccount: rt.config.PlatformAccount,
	})
	if err != nil {
		return err
	}

	watcher, err := deadlines.NewWatcher(deadlines.Config{
		Source:    engine,
		Publisher: dispatcher,
		Interval:  rt.config.DeadlineInterval,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:     rt.tokens,
		Identities: rt.users,
		Engine:     engine,
		Templates:  rt.registry,
		Papers:     rt.papers,
		Realtime:   dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Streams observe the request context, so they end once a signal arrives.
	httpServer := &http.Server{
		Addr:        rt.config.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	if err := watcher.Start(signalCtx); err != nil {
		return err
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			logger.Warn("deadline watcher stop failed", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
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
