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
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/config"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/events"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/logging"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/manager"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/match"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/users"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectTimeout = 5 * time.Second
)

type watchOptions struct {
	xuid         string
	gamertag     string
	deviceToken  string
	hopper       string
	matchTimeout time.Duration
	invites      []string
	tickInterval time.Duration
}

func newWatchCommand() *cobra.Command {
	var options watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sign a user in, host a lobby and log session events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), options)
		},
	}
	hostname, _ := os.Hostname()
	cmd.Flags().StringVar(&options.xuid, "xuid", "", "User id to sign in")
	cmd.Flags().StringVar(&options.gamertag, "gamertag", "", "Display name of the user")
	cmd.Flags().StringVar(&options.deviceToken, "device-token", hostname, "Device token members of this process advertise")
	cmd.Flags().StringVar(&options.hopper, "hopper", "", "Submit a match ticket to this hopper once the lobby is ready")
	cmd.Flags().DurationVar(&options.matchTimeout, "match-timeout", time.Minute, "Match ticket give-up duration")
	cmd.Flags().StringSliceVar(&options.invites, "invite", nil, "User ids to invite once the lobby is ready")
	cmd.Flags().DurationVar(&options.tickInterval, "tick-interval", 100*time.Millisecond, "Interval between manager ticks")
	_ = cmd.MarkFlagRequired("xuid")
	return cmd
}

func runWatch(ctx context.Context, options watchOptions) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	creds, err := signInDevice(signalCtx, httpClient, appConfig.DirectoryURL, deviceSignIn{
		XUID:        options.xuid,
		Gamertag:    options.gamertag,
		DeviceToken: options.deviceToken,
	})
	if err != nil {
		return err
	}

	directory, err := transport.NewClient(transport.ClientConfig{
		BaseURL:    appConfig.DirectoryURL,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var subscriber *transport.Subscriber
	sessions, err := manager.New(manager.Config{
		Directory:              directory,
		ServiceConfigID:        appConfig.ServiceConfigID,
		LobbyTemplate:          appConfig.LobbyTemplate,
		MatchTemplate:          appConfig.MatchTemplate,
		ConflictRetries:        appConfig.ConflictRetries,
		TransferHandleAttempts: appConfig.TransferHandleAttempts,
		MatchPollInterval:      appConfig.MatchPollInterval,
		SubscriptionID:         func() string { return subscriber.ConnectionID() },
		Logger:                 logger,
	})
	if err != nil {
		return err
	}
	defer sessions.Shutdown()

	subscriber, err = transport.NewSubscriber(transport.SubscriberConfig{
		BaseURL:     appConfig.DirectoryURL,
		Credentials: creds,
		Handler:     sessions,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return subscriber.Run(groupCtx)
	})
	group.Go(func() error {
		connectCtx, cancel := context.WithTimeout(groupCtx, connectTimeout)
		defer cancel()
		connectionID, err := subscriber.WaitConnected(connectCtx)
		if err != nil {
			return err
		}
		logger.Info("notification stream connected", zap.String("connection_id", connectionID))

		if err := sessions.AddLocalUser(users.LocalUser{
			XUID:        options.xuid,
			Gamertag:    options.gamertag,
			Credentials: creds,
		}, "watch"); err != nil {
			return err
		}
		return watchLoop(groupCtx, sessions, options, logger)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func watchLoop(ctx context.Context, sessions *manager.Manager, options watchOptions, logger *zap.Logger) error {
	ticker := time.NewTicker(options.tickInterval)
	defer ticker.Stop()
	lobbyReady := false
	for {
		select {
		case <-ctx.Done():
			return leave(sessions, options, logger)
		case <-ticker.C:
		}
		drained, err := sessions.Tick()
		if err != nil {
			return err
		}
		for _, event := range drained {
			logEvent(logger, event)
			if event.Type == events.TypeUserAdded && event.Succeeded() && !lobbyReady {
				lobbyReady = true
				onLobbyReady(sessions, options, logger)
			}
		}
	}
}

func onLobbyReady(sessions *manager.Manager, options watchOptions, logger *zap.Logger) {
	if len(options.invites) > 0 {
		if err := sessions.InviteUsers(options.invites, "watch"); err != nil {
			logger.Warn("invite failed", zap.Error(err))
		}
	}
	if options.hopper != "" {
		if err := sessions.FindMatch(match.Request{Hopper: options.hopper, Timeout: options.matchTimeout}); err != nil {
			logger.Warn("find match failed", zap.Error(err))
		}
	}
}

// leave removes the user and keeps ticking until the client reports the disconnect.
func leave(sessions *manager.Manager, options watchOptions, logger *zap.Logger) error {
	if err := sessions.RemoveLocalUser(options.xuid, "watch"); err != nil {
		return err
	}
	deadline := time.Now().Add(disconnectTimeout)
	for time.Now().Before(deadline) {
		drained, err := sessions.Tick()
		if err != nil {
			return err
		}
		for _, event := range drained {
			logEvent(logger, event)
			if event.Type == events.TypeClientDisconnected {
				return nil
			}
		}
		time.Sleep(options.tickInterval)
	}
	logger.Warn("leaving timed out", zap.Duration("timeout", disconnectTimeout))
	return nil
}

func logEvent(logger *zap.Logger, event events.Event) {
	fields := []zap.Field{
		zap.String("type", event.Type.String()),
		zap.String("session", event.SessionKind.String()),
		zap.String("event", event.String()),
	}
	if event.Err != nil {
		logger.Warn("session event", append(fields, zap.Error(event.Err))...)
		return
	}
	logger.Info("session event", fields...)
}
