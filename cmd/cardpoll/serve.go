package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/auth"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/config"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/database"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/kv"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/logging"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/server"
	"github.com/MarcoPoloResearchLab/cardpoll/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the shared activity service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Options{Level: appConfig.LogLevel})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, closeStore, err := openSharedStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sessions, err := session.NewRegistry(session.Config{
		Store:      store,
		KnownUsers: appConfig.KnownUsers,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{Sessions: sessions, Logger: logger}
	if appConfig.StoreConfigured() {
		activityService, err := activity.NewService(activity.ServiceConfig{
			Store:      store,
			Clock:      time.Now,
			IDProvider: activity.NewULIDProvider(time.Now),
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		deps.ActivityService = activityService
	} else {
		logger.Warn("store.driver is empty; activity resources answer 503")
	}

	if appConfig.SigningSecret != "" {
		issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
			TokenTTL:      appConfig.TokenTTL,
		})
		if err != nil {
			return err
		}
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
		})
		if err != nil {
			return err
		}
		deps.Tokens = issuer
		deps.Validator = validator
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("store_driver", appConfig.StoreDriver),
			zap.String("session_mode", string(sessions.Mode())))
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

// openSharedStore opens the kv store behind the service. Without a SQL driver the store is
// held in memory, which also backs the session registry of an unconfigured service.
func openSharedStore(appConfig config.ServerConfig, logger *zap.Logger) (kv.Store, func(), error) {
	switch appConfig.StoreDriver {
	case config.StoreDriverSQLite, config.StoreDriverPostgres:
	default:
		return kv.NewMemoryStore(), func() {}, nil
	}

	db, err := database.Open(appConfig.StoreDriver, appConfig.StoreDSN, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	store, err := kv.NewSQLStore(db, time.Now)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return store, func() { _ = sqlDB.Close() }, nil
}
