// Package game maintains the local users' game session and the transfer handle that lets the
// rest of the lobby follow them into it.
package game

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/events"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/pending"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/users"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/writer"
)

const defaultTransferHandleAttempts = 3

var (
	// ErrTransferHandle is reported on join-game-completed when no transfer handle could be
	// published; the game session itself stays joined.
	ErrTransferHandle = errors.New("game: transfer handle unavailable")
	// ErrInvalidConfig indicates a Config that cannot produce a client.
	ErrInvalidConfig     = errors.New("game: invalid config")
	errMissingDirectory  = errors.New("directory dependency required")
	errMissingUsers      = errors.New("user registry dependency required")
	errMissingEvents     = errors.New("event queue dependency required")
	errMissingAdvertiser = errors.New("lobby advertiser dependency required")
	errNoGame            = errors.New("no game session")
	errNoLocalUser       = errors.New("no local user")
)

// Advertiser publishes and withdraws the game transfer handle on the lobby.
type Advertiser interface {
	AdvertiseGame(ctx context.Context, handleID string) (*session.Document, error)
	ClearGame(ctx context.Context) (*session.Document, error)
	TransferHandle() string
}

// Config describes the game client dependencies.
type Config struct {
	Directory              transport.Directory
	Users                  *users.Registry
	Events                 *events.Queue
	Lobby                  Advertiser
	ServiceConfigID        string
	Constants              session.Constants
	ConflictRetries        int
	TransferHandleAttempts int
	SubscriptionID         func() string
	Logger                 *zap.Logger
}

// Client owns the game writer and its pending intent pipeline.
type Client struct {
	directory       transport.Directory
	users           *users.Registry
	events          *events.Queue
	lobby           Advertiser
	serviceConfigID string
	handleAttempts  int
	writer          *writer.Writer
	processor       *pending.Processor
	logger          *zap.Logger

	mu               sync.Mutex
	advertisePending bool
}

// New constructs a game client with no game session.
func New(cfg Config) (*Client, error) {
	switch {
	case cfg.Directory == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingDirectory)
	case cfg.Users == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingUsers)
	case cfg.Events == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingEvents)
	case cfg.Lobby == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingAdvertiser)
	}
	attempts := cfg.TransferHandleAttempts
	if attempts <= 0 {
		attempts = defaultTransferHandleAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_kind", session.KindGame.String()))

	client := &Client{
		directory:       cfg.Directory,
		users:           cfg.Users,
		events:          cfg.Events,
		lobby:           cfg.Lobby,
		serviceConfigID: cfg.ServiceConfigID,
		handleAttempts:  attempts,
		logger:          logger,
	}
	var err error
	client.writer, err = writer.New(writer.Config{
		Directory:       cfg.Directory,
		Kind:            session.KindGame,
		ConflictRetries: cfg.ConflictRetries,
		Credentials:     client.primaryCredentials,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	client.processor, err = pending.New(pending.Config{
		Kind:           session.KindGame,
		Writer:         client.writer,
		Users:          cfg.Users,
		Events:         cfg.Events,
		Handler:        client,
		Constants:      cfg.Constants,
		SubscriptionID: cfg.SubscriptionID,
		Logger:         logger,
	})
	if err != nil {
		client.writer.Close()
		return nil, err
	}
	return client, nil
}

func (c *Client) primaryCredentials() (transport.Credentials, bool) {
	primary, ok := c.users.Primary()
	if !ok {
		return transport.Credentials{}, false
	}
	return primary.Credentials, true
}

// Writer exposes the game session writer.
func (c *Client) Writer() *writer.Writer {
	return c.writer
}

// Document returns the cached game document.
func (c *Client) Document() *session.Document {
	return c.writer.Document()
}

// Tick starts the next pending batch.
func (c *Client) Tick(ctx context.Context) bool {
	return c.processor.Tick(ctx)
}

// Busy reports whether a batch is committing.
func (c *Client) Busy() bool {
	return c.processor.Busy()
}

// Pending reports the number of queued intents.
func (c *Client) Pending() int {
	return c.processor.Pending()
}

// Wait blocks until the running batch finished.
func (c *Client) Wait() {
	c.processor.Wait()
}

// HandleNotification forwards a change notification for the game session.
func (c *Client) HandleNotification(ref session.Reference, changeNumber uint64) {
	c.writer.HandleNotification(ref, changeNumber)
}

// Resync forces a coalesced refetch of the game.
func (c *Client) Resync() {
	c.writer.Resync()
}

// Close tears the client down.
func (c *Client) Close() {
	c.writer.Close()
	c.processor.Discard()
}

// JoinGame creates or joins the named game session for every local user and advertises it
// on the lobby once the first user is in.
func (c *Client) JoinGame(sessionName, template string, requestContext any) error {
	ref, err := session.NewReference(c.serviceConfigID, template, sessionName)
	if err != nil {
		return err
	}
	participants, err := c.participants()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.advertisePending = true
	c.mu.Unlock()
	for _, user := range participants {
		if _, err := c.users.Update(user.XUID, func(stored *users.LocalUser) {
			stored.GameState = users.GameStateJoin
		}); err != nil {
			return err
		}
		c.processor.Enqueue(pending.Intent{
			Kind:      pending.KindAddUser,
			XUID:      user.XUID,
			Reference: ref,
			Context:   requestContext,
		})
	}
	return nil
}

// JoinGameFromLobby follows the game advertised on the lobby through its transfer handle.
func (c *Client) JoinGameFromLobby(requestContext any) error {
	handleID := c.lobby.TransferHandle()
	if handleID == "" {
		return fmt.Errorf("%w: lobby advertises no game", session.ErrLogic)
	}
	participants, err := c.participants()
	if err != nil {
		return err
	}
	for _, user := range participants {
		if _, err := c.users.Update(user.XUID, func(stored *users.LocalUser) {
			stored.GameState = users.GameStatePendingJoin
		}); err != nil {
			return err
		}
		c.processor.Enqueue(pending.Intent{
			Kind:     pending.KindJoinUser,
			XUID:     user.XUID,
			HandleID: handleID,
			Context:  requestContext,
		})
	}
	return nil
}

// LeaveGame queues every local user's departure from the game.
func (c *Client) LeaveGame(requestContext any) error {
	var leaving []users.LocalUser
	for _, user := range c.users.Users() {
		if user.GameState != users.GameStateUnknown {
			leaving = append(leaving, user)
		}
	}
	if len(leaving) == 0 {
		return fmt.Errorf("%w: %v", session.ErrLogic, errNoGame)
	}
	for _, user := range leaving {
		if _, err := c.users.Update(user.XUID, func(stored *users.LocalUser) {
			stored.GameState = users.GameStateLeave
		}); err != nil {
			return err
		}
		c.processor.Enqueue(pending.Intent{Kind: pending.KindLeaveUser, XUID: user.XUID, Context: requestContext})
	}
	return nil
}

// Adopt tracks a game session joined outside the pending pipeline, such as a match target.
func (c *Client) Adopt(doc *session.Document) {
	if doc == nil || doc.Reference.IsZero() {
		return
	}
	for _, user := range c.users.Users() {
		if _, ok := doc.Member(user.XUID); !ok {
			continue
		}
		if _, err := c.users.Update(user.XUID, func(stored *users.LocalUser) {
			stored.GameState = users.GameStateInSession
		}); err != nil {
			c.logError("adopt", "user_vanished", err, zap.String("xuid", user.XUID))
		}
	}
	c.writer.SetReference(doc.Reference)
	c.writer.Resync()
}

// SetProperty queues a blind game property write.
func (c *Client) SetProperty(name string, value json.RawMessage, requestContext any) error {
	return c.enqueueProperty(pending.KindSetSessionProperty, name, value, requestContext)
}

// DeleteProperty queues a blind game property deletion.
func (c *Client) DeleteProperty(name string, requestContext any) error {
	return c.enqueueProperty(pending.KindDeleteSessionProperty, name, nil, requestContext)
}

// SetSynchronizedProperty queues a conditional game property write.
func (c *Client) SetSynchronizedProperty(name string, value json.RawMessage, requestContext any) error {
	return c.enqueueProperty(pending.KindSetSynchronizedProperty, name, value, requestContext)
}

// SetSynchronizedHost queues a conditional host promotion of xuid's device.
func (c *Client) SetSynchronizedHost(xuid string, requestContext any) error {
	user, ok := c.users.Get(xuid)
	if !ok {
		return fmt.Errorf("%w: %s", users.ErrUnknownUser, xuid)
	}
	if user.GameState == users.GameStateUnknown {
		return fmt.Errorf("%w: %v", session.ErrLogic, errNoGame)
	}
	c.processor.Enqueue(pending.Intent{Kind: pending.KindSetSynchronizedHost, XUID: xuid, Context: requestContext})
	return nil
}

func (c *Client) enqueueProperty(kind pending.Kind, name string, value json.RawMessage, requestContext any) error {
	primary, ok := c.users.Primary()
	if !ok {
		return fmt.Errorf("%w: %v", session.ErrLogic, errNoLocalUser)
	}
	if primary.GameState == users.GameStateUnknown {
		return fmt.Errorf("%w: %v", session.ErrLogic, errNoGame)
	}
	propertyName, err := session.NewPropertyName(name)
	if err != nil {
		return err
	}
	intent := pending.Intent{Kind: kind, XUID: primary.XUID, Name: propertyName, Context: requestContext}
	if kind != pending.KindDeleteSessionProperty {
		if intent.Value, err = session.NewPropertyValue(string(value)); err != nil {
			return err
		}
	}
	c.processor.Enqueue(intent)
	return nil
}

func (c *Client) participants() ([]users.LocalUser, error) {
	var participants []users.LocalUser
	for _, user := range c.users.Users() {
		if user.MarkedForRemoval || user.LobbyState == users.LobbyStateLeave || user.LobbyState == users.LobbyStateRemove {
			continue
		}
		participants = append(participants, user)
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: %v", session.ErrLogic, errNoLocalUser)
	}
	return participants, nil
}
