package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/config"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/database"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/emulator"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/logging"
)

func newEmulatorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "emulator",
		Short: "Run a local session directory for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEmulator(cmd.Context())
		},
	}
}

func runEmulator(ctx context.Context) error {
	appConfig, err := config.LoadEmulator(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.Emulator.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := emulator.NewStore(emulator.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tokenManager := emulator.NewTokenIssuer(emulator.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.Emulator.SigningSecret),
		TokenTTL:      appConfig.Emulator.TokenTTL,
	})

	handler, err := emulator.NewHTTPHandler(emulator.Dependencies{
		Store:        store,
		TokenManager: tokenManager,
		Dispatcher:   emulator.NewDispatcher(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	// Notification streams end with the server context instead of holding Shutdown open.
	httpServer := &http.Server{
		Addr:        appConfig.Emulator.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return groupCtx },
	}
	group.Go(func() error {
		logger.Info("emulator starting", zap.String("address", appConfig.Emulator.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
