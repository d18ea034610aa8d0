// Package manager is the application-facing coordinator. It owns the lobby, game and match
// clients, routes push notifications to their writers and, once per Tick, diffs the previous
// and current snapshots of every session into the ordered event list the application drains.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/events"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/game"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/lobby"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/match"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/users"
)

var (
	// ErrReentrantTick is returned when Tick is called while another Tick is running.
	ErrReentrantTick = errors.New("manager: tick is not reentrant")
	// ErrInvalidConfig indicates a Config that cannot produce a manager.
	ErrInvalidConfig    = errors.New("manager: invalid config")
	errMissingDirectory = errors.New("directory dependency required")
	errMissingTemplates = errors.New("service config id and lobby template required")
)

// Config describes a Manager.
type Config struct {
	Directory              transport.Directory
	ServiceConfigID        string
	LobbyTemplate          string
	MatchTemplate          string
	LobbyConstants         session.Constants
	GameConstants          session.Constants
	ConflictRetries        int
	TransferHandleAttempts int
	MatchPollInterval      time.Duration
	// SubscriptionID returns the notification connection members advertise.
	SubscriptionID func() string
	Now            func() time.Time
	Logger         *zap.Logger
}

type snapshots struct {
	lobby *session.Document
	game  *session.Document
	match *session.Document
}

// Manager coordinates the session clients of one application.
type Manager struct {
	users  *users.Registry
	events *events.Queue
	lobby  *lobby.Client
	game   *game.Client
	match  *match.Client
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ticking atomic.Bool

	mu                sync.Mutex
	last              snapshots
	hadUsers          bool
	subscriptionsLost bool
	shutdown          bool
}

// New constructs a Manager with no local users.
func New(cfg Config) (*Manager, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingDirectory)
	}
	if cfg.ServiceConfigID == "" || cfg.LobbyTemplate == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingTemplates)
	}
	matchTemplate := cfg.MatchTemplate
	if matchTemplate == "" {
		matchTemplate = cfg.LobbyTemplate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := users.NewRegistry(users.RegistryConfig{Logger: logger})
	queue := &events.Queue{}
	lobbyClient, err := lobby.New(lobby.Config{
		Directory:       cfg.Directory,
		Users:           registry,
		Events:          queue,
		ServiceConfigID: cfg.ServiceConfigID,
		Template:        cfg.LobbyTemplate,
		Constants:       cfg.LobbyConstants,
		ConflictRetries: cfg.ConflictRetries,
		SubscriptionID:  cfg.SubscriptionID,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	gameClient, err := game.New(game.Config{
		Directory:              cfg.Directory,
		Users:                  registry,
		Events:                 queue,
		Lobby:                  lobbyClient,
		ServiceConfigID:        cfg.ServiceConfigID,
		Constants:              cfg.GameConstants,
		ConflictRetries:        cfg.ConflictRetries,
		TransferHandleAttempts: cfg.TransferHandleAttempts,
		SubscriptionID:         cfg.SubscriptionID,
		Logger:                 logger,
	})
	if err != nil {
		lobbyClient.Close()
		return nil, err
	}
	matchClient, err := match.New(match.Config{
		Directory:       cfg.Directory,
		Users:           registry,
		Events:          queue,
		Game:            gameClient,
		ServiceConfigID: cfg.ServiceConfigID,
		Template:        matchTemplate,
		PollInterval:    cfg.MatchPollInterval,
		ConflictRetries: cfg.ConflictRetries,
		SubscriptionID:  cfg.SubscriptionID,
		Now:             cfg.Now,
		Logger:          logger,
	})
	if err != nil {
		lobbyClient.Close()
		gameClient.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		users:  registry,
		events: queue,
		lobby:  lobbyClient,
		game:   gameClient,
		match:  matchClient,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Shutdown tears every client down. In-flight continuations become no-ops.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	m.mu.Unlock()
	m.cancel()
	m.match.Close()
	m.game.Close()
	m.lobby.Close()
	m.events.Clear()
}

// Wait blocks until every asynchronous operation started so far has finished.
func (m *Manager) Wait() {
	m.lobby.Wait()
	m.game.Wait()
	m.match.Wait()
}

// Tick advances every client, synthesizes events from the snapshot differences and returns
// the drained event list.
func (m *Manager) Tick() ([]events.Event, error) {
	if !m.ticking.CompareAndSwap(false, true) {
		return nil, ErrReentrantTick
	}
	defer m.ticking.Store(false)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, session.ErrDestroyed
	}
	lost := m.subscriptionsLost
	m.subscriptionsLost = false
	m.mu.Unlock()

	if lost {
		m.dropAllUsers()
	}
	for _, swept := range m.users.Sweep() {
		m.logger.Info("removed stale local user", zap.String("xuid", swept.XUID))
	}
	m.users.PromotePrimary()

	m.lobby.Tick(m.ctx)
	m.game.Tick(m.ctx)
	m.match.Tick(m.ctx)

	latest := snapshots{
		lobby: m.lobby.Document(),
		game:  m.game.Document(),
		match: m.match.Document(),
	}
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()

	m.diff(session.KindLobby, last.lobby, latest.lobby)
	m.diff(session.KindGame, last.game, latest.game)
	if latest.match != nil && latest.match != last.match {
		m.match.Observe(latest.match)
	}

	m.mu.Lock()
	m.last = latest
	if m.users.Len() > 0 {
		m.hadUsers = true
	} else if m.hadUsers && !m.lobby.Busy() && m.lobby.Pending() == 0 {
		m.hadUsers = false
		m.events.Push(events.Event{Type: events.TypeClientDisconnected, Payload: events.ClientDisconnected{}})
	}
	m.mu.Unlock()

	return m.events.Drain(), nil
}

func (m *Manager) diff(kind session.Kind, prev, next *session.Document) {
	changes, synthesized := synthesize(kind, prev, next, m.isLocal)
	m.events.Push(synthesized...)
	if changes.Has(session.ChangeMatchmakingStatus) && kind != session.KindGame {
		m.match.Observe(next)
	}
	if changes.Has(session.ChangeTournament) {
		// TODO: confirm with product which of the two tournament triggers should stay.
		if nextGameChanged(prev, next) {
			m.game.Resync()
		}
		if lastGameResultChanged(prev, next) {
			m.lobby.Resync()
		}
	}
}

func (m *Manager) isLocal(xuid string) bool {
	_, ok := m.users.Get(xuid)
	return ok
}

// dropAllUsers removes every local user after the notification channel was lost.
func (m *Manager) dropAllUsers() {
	for _, user := range m.users.Users() {
		m.users.Remove(user.XUID)
		m.events.Push(events.Event{
			Type:        events.TypeUserRemoved,
			SessionKind: session.KindLobby,
			Err:         fmt.Errorf("%w: notification subscriptions lost", session.ErrDestroyed),
			Payload:     events.UserRemoved{XUID: user.XUID},
			Context:     user.Context,
		})
	}
	m.lobby.Writer().Reset()
	m.game.Writer().Reset()
	m.match.Writer().Reset()
}

// SessionChanged routes a change notification to every writer tracking the session.
func (m *Manager) SessionChanged(notification transport.Notification) {
	m.lobby.HandleNotification(notification.Reference, notification.ChangeNumber)
	m.game.HandleNotification(notification.Reference, notification.ChangeNumber)
	m.match.HandleNotification(notification.Reference, notification.ChangeNumber)
}

// Resync refetches every tracked session.
func (m *Manager) Resync() {
	m.lobby.Resync()
	m.game.Resync()
	m.match.Resync()
}

// SubscriptionsLost schedules the removal of every local user on the next Tick.
func (m *Manager) SubscriptionsLost() {
	m.mu.Lock()
	m.subscriptionsLost = true
	m.mu.Unlock()
	m.logger.Warn("notification subscriptions lost", zap.String("operation", "subscriptions_lost"))
}

// AddLocalUser registers user and queues its entry into the lobby.
func (m *Manager) AddLocalUser(user users.LocalUser, requestContext any) error {
	added, err := m.users.Add(user)
	if err != nil {
		return err
	}
	return m.lobby.AddUser(added.XUID, requestContext)
}

// RemoveLocalUser queues xuid's departure from the lobby.
func (m *Manager) RemoveLocalUser(xuid string, requestContext any) error {
	return m.lobby.RemoveUser(xuid, requestContext)
}

// SetLocalMemberProperties queues a member property write for xuid.
func (m *Manager) SetLocalMemberProperties(xuid, name string, value json.RawMessage, requestContext any) error {
	return m.lobby.SetMemberProperty(xuid, name, value, requestContext)
}

// DeleteLocalMemberProperties queues a member property deletion for xuid.
func (m *Manager) DeleteLocalMemberProperties(xuid, name string, requestContext any) error {
	return m.lobby.DeleteMemberProperty(xuid, name, requestContext)
}

// SetLocalMemberConnectionAddress queues xuid's secure device address.
func (m *Manager) SetLocalMemberConnectionAddress(xuid, address string, requestContext any) error {
	return m.lobby.SetConnectionAddress(xuid, address, requestContext)
}

// SetLobbyProperties queues a blind lobby property write.
func (m *Manager) SetLobbyProperties(name string, value json.RawMessage, requestContext any) error {
	return m.lobby.SetProperty(name, value, requestContext)
}

// DeleteLobbyProperties queues a blind lobby property deletion.
func (m *Manager) DeleteLobbyProperties(name string, requestContext any) error {
	return m.lobby.DeleteProperty(name, requestContext)
}

// SetSynchronizedLobbyProperties queues a conditional lobby property write.
func (m *Manager) SetSynchronizedLobbyProperties(name string, value json.RawMessage, requestContext any) error {
	return m.lobby.SetSynchronizedProperty(name, value, requestContext)
}

// SetSynchronizedLobbyHost queues a conditional lobby host change.
func (m *Manager) SetSynchronizedLobbyHost(xuid string, requestContext any) error {
	return m.lobby.SetSynchronizedHost(xuid, requestContext)
}

// SetJoinability queues a lobby joinability change.
func (m *Manager) SetJoinability(joinability session.Joinability, requestContext any) error {
	return m.lobby.SetJoinability(joinability, requestContext)
}

// JoinLobby joins every local user to the lobby behind handleID; invitedXUID commits first.
func (m *Manager) JoinLobby(handleID, invitedXUID string, requestContext any) error {
	return m.lobby.JoinLobby(handleID, invitedXUID, requestContext)
}

// InviteUsers invites remote users to the lobby.
func (m *Manager) InviteUsers(xuids []string, requestContext any) error {
	return m.lobby.InviteUsers(m.ctx, xuids, requestContext)
}

// JoinGameFromLobby follows the game advertised on the lobby.
func (m *Manager) JoinGameFromLobby(requestContext any) error {
	return m.game.JoinGameFromLobby(requestContext)
}

// JoinGame creates or joins the named game session and advertises it on the lobby.
func (m *Manager) JoinGame(sessionName, template string, requestContext any) error {
	return m.game.JoinGame(sessionName, template, requestContext)
}

// LeaveGame leaves the game session and withdraws its advertisement.
func (m *Manager) LeaveGame(requestContext any) error {
	return m.game.LeaveGame(requestContext)
}

// SetGameProperties queues a blind game property write.
func (m *Manager) SetGameProperties(name string, value json.RawMessage, requestContext any) error {
	return m.game.SetProperty(name, value, requestContext)
}

// DeleteGameProperties queues a blind game property deletion.
func (m *Manager) DeleteGameProperties(name string, requestContext any) error {
	return m.game.DeleteProperty(name, requestContext)
}

// SetSynchronizedGameProperties queues a conditional game property write.
func (m *Manager) SetSynchronizedGameProperties(name string, value json.RawMessage, requestContext any) error {
	return m.game.SetSynchronizedProperty(name, value, requestContext)
}

// SetSynchronizedGameHost queues a conditional game host change.
func (m *Manager) SetSynchronizedGameHost(xuid string, requestContext any) error {
	return m.game.SetSynchronizedHost(xuid, requestContext)
}

// FindMatch starts a matchmaking episode.
func (m *Manager) FindMatch(request match.Request) error {
	return m.match.FindMatch(request)
}

// CancelMatch cancels the running matchmaking episode.
func (m *Manager) CancelMatch() error {
	return m.match.CancelMatch()
}

// SetQosMeasurements uploads xuid's QoS measurements for the match being initialized.
func (m *Manager) SetQosMeasurements(xuid string, measurements json.RawMessage) error {
	return m.match.SetQosMeasurements(xuid, measurements)
}

// MatchStatus returns the matchmaking status.
func (m *Manager) MatchStatus() session.MatchStatus {
	return m.match.Status()
}

// EstimatedMatchWaitTime returns the latest matchmaking wait estimate.
func (m *Manager) EstimatedMatchWaitTime() time.Duration {
	return m.match.EstimatedWaitTime()
}

// Lobby returns the lobby snapshot of the last Tick.
func (m *Manager) Lobby() *session.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.lobby
}

// Game returns the game snapshot of the last Tick.
func (m *Manager) Game() *session.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last.game
}

// LocalUsers returns the registered local users.
func (m *Manager) LocalUsers() []users.LocalUser {
	return m.users.Users()
}

// Joinability returns the lobby joinability marker.
func (m *Manager) Joinability() session.Joinability {
	return m.lobby.Joinability()
}

// LobbyView returns the derived lobby view.
func (m *Manager) LobbyView() lobby.View {
	return m.lobby.View()
}
