package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/config"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/database"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/lichess"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/pgn"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/server"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/studies"
	"github.com/MarcoPoloResearchLab/repertoire/backend/internal/users"
)

const (
	shutdownTimeout     = 10 * time.Second
	redisConnectTimeout = 30 * time.Second
)

// application holds the collaborators shared by the serve and sync commands.
type application struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	redis      *redis.Client
	accounts   *users.Service
	studies    *studies.Service
	runner     *scheduler.Runner
	dispatcher *server.RealtimeDispatcher
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger, db: db, dispatcher: server.NewRealtimeDispatcher()}

	app.accounts, err = users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		app.close()
		return nil, err
	}
	client, err := lichess.NewClient(lichess.Config{
		BaseURL:     appConfig.RemoteBaseURL,
		HTTPClient:  &http.Client{Timeout: appConfig.RemoteTimeout},
		Credentials: app.accounts,
		MaxAttempts: appConfig.RemoteMaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	app.studies, err = studies.NewService(studies.ServiceConfig{
		Database:         db,
		Source:           client,
		Parser:           pgn.NewParser(),
		IDProvider:       studies.NewUUIDProvider(),
		Clock:            time.Now,
		Logger:           logger,
		FetchConcurrency: appConfig.SyncConcurrency,
	})
	if err != nil {
		app.close()
		return nil, err
	}

	var locker scheduler.Locker = scheduler.NewLocalLocker()
	if appConfig.RedisEnabled() {
		app.redis, err = scheduler.ConnectRedis(ctx, scheduler.RedisOptions{
			Address:        appConfig.RedisAddress,
			Password:       appConfig.RedisPassword,
			DB:             appConfig.RedisDB,
			ConnectTimeout: redisConnectTimeout,
			RetryInterval:  500 * time.Millisecond,
			MaxWait:        5 * time.Second,
			PingTimeout:    2 * time.Second,
		}, logger)
		if err != nil {
			app.close()
			return nil, err
		}
		locker = scheduler.NewRedisLocker(app.redis, "repertoire:lock:")
	}

	app.runner, err = scheduler.NewRunner(scheduler.RunnerConfig{
		Reconciler:  app.studies,
		Locker:      locker,
		Notifier:    app.dispatcher,
		MinInterval: appConfig.SyncMinInterval,
		LockTTL:     appConfig.SyncLockTTL,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (app *application) close() {
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if sqlDB, err := app.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = app.logger.Sync()
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(signalCtx)
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger

	if app.redis != nil {
		if err := app.dispatcher.AttachRedisRelay(signalCtx, app.redis, app.config.RealtimeRedisTopic, logger); err != nil {
			return err
		}
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(app.config.SigningSecret),
		Issuer:        app.config.Issuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator: validator,
		Studies:   app.studies,
		Accounts:  app.accounts,
		Sync:      app.runner,
		Realtime:  app.dispatcher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}
	syncScheduler := scheduler.NewScheduler(app.accounts, app.runner, app.config.SyncInterval, logger)

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		syncScheduler.Start(groupCtx)
		<-groupCtx.Done()
		syncScheduler.Stop()
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func runSync(ctx context.Context, rawUserID string) error {
	userID, err := studies.NewUserID(rawUserID)
	if err != nil {
		return err
	}
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	outcome, err := app.runner.SyncUser(ctx, userID, true)
	if err != nil {
		return err
	}
	result := outcome.Result
	app.logger.Info("sync finished",
		zap.String("user_id", userID.String()),
		zap.Int("new", result.NumNew),
		zap.Int("staged", result.NumUpdatesStaged),
		zap.Int("updated", result.NumUpdated),
		zap.Int("renamed", result.NumRenamed),
		zap.Int("removed", result.NumRemoved),
		zap.Int("restored", result.NumRestored),
		zap.Int("failures", len(result.Failures)))
	for _, failure := range result.Failures {
		app.logger.Warn("study sync failed",
			zap.String("remote_id", failure.RemoteID),
			zap.String("study_id", failure.StudyID),
			zap.Error(failure.Err))
	}
	return nil
}
