package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/promptwall/backend/internal/archive"
	"github.com/promptwall/backend/internal/config"
	"github.com/promptwall/backend/internal/database"
	"github.com/promptwall/backend/internal/genai"
	"github.com/promptwall/backend/internal/logging"
	"github.com/promptwall/backend/internal/pipeline"
	"github.com/promptwall/backend/internal/ratelimit"
	"github.com/promptwall/backend/internal/rotation"
	"github.com/promptwall/backend/internal/server"
	"github.com/promptwall/backend/internal/verify"
	"github.com/promptwall/backend/internal/wall"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "promptwall-api",
		Short: "Promptwall shared canvas coordinator",
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
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the job queue")
	cmd.PersistentFlags().Int("max-sessions", defaults.GetInt("wall.max_sessions"), "Live connection cap")
	cmd.PersistentFlags().Int("max-pending-jobs", defaults.GetInt("wall.max_pending_jobs"), "In-flight generation cap")
	cmd.PersistentFlags().Int("rotation-interval-m", defaults.GetInt("rotation.interval_m"), "Rotation interval in minutes")
	cmd.PersistentFlags().String("ai-base-url", defaults.GetString("ai.base_url"), "External AI service base URL")
	cmd.PersistentFlags().String("s3-endpoint", defaults.GetString("s3.endpoint"), "Cold storage endpoint")
	cmd.PersistentFlags().String("admin-secret", "", "Admin reset secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "wall.max_sessions", "max-sessions")
	bindFlag(cmd, "wall.max_pending_jobs", "max-pending-jobs")
	bindFlag(cmd, "rotation.interval_m", "rotation-interval-m")
	bindFlag(cmd, "ai.base_url", "ai-base-url")
	bindFlag(cmd, "s3.endpoint", "s3-endpoint")
	bindFlag(cmd, "admin.secret", "admin-secret")
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

	verifier, err := verify.NewTokenVerifier(verify.VerifierConfig{
		EndpointURL: appConfig.VerifyURL,
		Secret:      appConfig.VerifySecret,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	aiClient, err := genai.NewClient(genai.ClientConfig{
		BaseURL: appConfig.AIBaseURL,
		APIKey:  appConfig.AIAPIKey,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	limiter, err := ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Database: db,
		Window:   appConfig.RateWindow,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var coldStorage *archive.Storage
	if appConfig.S3Endpoint != "" {
		coldStorage, err = archive.NewStorage(archive.StorageConfig{
			Endpoint:  appConfig.S3Endpoint,
			AccessKey: appConfig.S3AccessKey,
			SecretKey: appConfig.S3SecretKey,
			UseSSL:    appConfig.S3UseSSL,
			Bucket:    appConfig.SnapshotBucket,
		})
		if err != nil {
			return err
		}
		if err := coldStorage.EnsureBucket(ctx); err != nil {
			return err
		}
	} else {
		logger.Warn("cold storage not configured, epoch archival disabled")
	}

	redisOpt := asynq.RedisClientOpt{Addr: appConfig.RedisAddress}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()
	queue := pipeline.NewQueue(queueClient)

	idProvider := wall.NewUUIDProvider()
	hub := server.NewHub(server.HubConfig{
		IDProvider:    idProvider,
		MaxSessions:   appConfig.MaxSessions,
		HistoryLimit:  appConfig.HistoryLimit,
		CursorTick:    appConfig.CursorTick,
		VerifySiteKey: appConfig.VerifySiteKey,
		Logger:        logger,
	})

	wallService, err := wall.NewService(wall.ServiceConfig{
		Database:          db,
		IDProvider:        idProvider,
		Verifier:          verifier,
		Limiter:           limiter,
		Queue:             queue,
		Broadcaster:       hub,
		Logger:            logger,
		MaxPendingJobs:    appConfig.MaxPendingJobs,
		GlobalRateLimit:   appConfig.GlobalRateLimit,
		IdentityRateLimit: appConfig.IdentityRateLimit,
	})
	if err != nil {
		return err
	}
	hub.AttachSource(wallService)

	processor, err := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Wall:     wallService,
		AI:       aiClient,
		Sentinel: appConfig.ModerationSentinel,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	rotatorConfig := rotation.RotatorConfig{
		Database:    db,
		Wall:        wallService,
		Synthesizer: aiClient,
		Broadcaster: hub,
		IDProvider:  idProvider,
		Interval:    appConfig.RotationInterval,
		Retention:   appConfig.BackgroundKeep,
		Logger:      logger,
	}
	if coldStorage != nil {
		rotatorConfig.Cold = coldStorage
	}
	rotator, err := rotation.NewRotator(rotatorConfig)
	if err != nil {
		return err
	}

	routerDeps := server.Dependencies{
		WallService: wallService,
		Hub:         hub,
		Rotation:    rotator,
		AdminSecret: appConfig.AdminSecret,
		Logger:      logger,
	}
	if coldStorage != nil {
		routerDeps.Archive = coldStorage
	}
	handler, err := server.NewHTTPHandler(routerDeps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pipeline.Reconcile(signalCtx, wallService, queue, logger); err != nil {
		logger.Error("startup reconciliation failed", zap.Error(err))
	}

	worker := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: appConfig.WorkerConcurrency,
	})
	workerErrCh := make(chan error, 1)
	go func() {
		if err := worker.Run(processor.Handler()); err != nil {
			workerErrCh <- err
		}
		close(workerErrCh)
	}()

	go rotator.Run(signalCtx)
	go hub.RunCursorTicker(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	shutdown := func() error {
		worker.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}

	select {
	case <-signalCtx.Done():
		return shutdown()
	case err := <-workerErrCh:
		if err != nil {
			logger.Error("worker stopped", zap.Error(err))
		}
		return shutdown()
	case err := <-errCh:
		worker.Shutdown()
		return err
	}
}
