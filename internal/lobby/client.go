// Package lobby maintains the local users' lobby session: user transitions, property writes,
// joinability, invites and the game advertisement other members follow into a game.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/events"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/pending"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/users"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/writer"
)

var (
	// ErrInvalidConfig indicates a Config that cannot produce a client.
	ErrInvalidConfig    = errors.New("lobby: invalid config")
	errMissingDirectory = errors.New("directory dependency required")
	errMissingUsers     = errors.New("user registry dependency required")
	errMissingEvents    = errors.New("event queue dependency required")
	errMissingTemplate  = errors.New("service config id and template required")
	errNoLocalUser      = errors.New("no local user")
)

// Config describes the lobby client dependencies.
type Config struct {
	Directory       transport.Directory
	Users           *users.Registry
	Events          *events.Queue
	ServiceConfigID string
	Template        string
	Constants       session.Constants
	ConflictRetries int
	SubscriptionID  func() string
	Logger          *zap.Logger
}

// View is the lobby state derived from the cached document.
type View struct {
	Document       *session.Document
	Properties     session.Properties
	Joinability    session.Joinability
	TransferHandle string
}

// Client owns the lobby writer and its pending intent pipeline.
type Client struct {
	directory transport.Directory
	users     *users.Registry
	events    *events.Queue
	writer    *writer.Writer
	processor *pending.Processor
	logger    *zap.Logger

	mu   sync.Mutex
	view View

	invites sync.WaitGroup
}

// New constructs a lobby client tracking a freshly named lobby session.
func New(cfg Config) (*Client, error) {
	switch {
	case cfg.Directory == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingDirectory)
	case cfg.Users == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingUsers)
	case cfg.Events == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingEvents)
	}
	ref, err := session.NewReference(cfg.ServiceConfigID, cfg.Template, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrInvalidConfig, errMissingTemplate, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_kind", session.KindLobby.String()))

	client := &Client{
		directory: cfg.Directory,
		users:     cfg.Users,
		events:    cfg.Events,
		logger:    logger,
	}
	client.writer, err = writer.New(writer.Config{
		Directory:       cfg.Directory,
		Kind:            session.KindLobby,
		Reference:       ref,
		ConflictRetries: cfg.ConflictRetries,
		Credentials:     client.primaryCredentials,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	client.writer.OnUpdated(client.refreshView)
	client.processor, err = pending.New(pending.Config{
		Kind:           session.KindLobby,
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

// Writer exposes the lobby session writer.
func (c *Client) Writer() *writer.Writer {
	return c.writer
}

// Document returns the cached lobby document.
func (c *Client) Document() *session.Document {
	return c.writer.Document()
}

// View returns the derived lobby view.
func (c *Client) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.view
	view.Properties = c.view.Properties.Clone()
	return view
}

func (c *Client) refreshView(doc *session.Document) {
	view := View{Document: doc}
	if doc != nil {
		view.Properties = doc.Custom.Clone()
		view.TransferHandle = doc.Custom.String(session.PropertyTransferHandle)
		if marker := doc.Custom.String(session.PropertyJoinability); marker != "" {
			if joinability, err := session.ParseJoinability(marker); err == nil {
				view.Joinability = joinability
			}
		}
	}
	c.mu.Lock()
	c.view = view
	c.mu.Unlock()
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

// Wait blocks until the running batch and in-flight invites finished.
func (c *Client) Wait() {
	c.processor.Wait()
	c.invites.Wait()
}

// HandleNotification forwards a change notification for the lobby session.
func (c *Client) HandleNotification(ref session.Reference, changeNumber uint64) {
	c.writer.HandleNotification(ref, changeNumber)
}

// Resync forces a coalesced refetch of the lobby.
func (c *Client) Resync() {
	c.writer.Resync()
}

// Close tears the client down; in-flight continuations become no-ops.
func (c *Client) Close() {
	c.writer.Close()
	c.processor.Discard()
}

// AddUser queues xuid's entry into the lobby. The user must already be registered.
func (c *Client) AddUser(xuid string, requestContext any) error {
	if _, err := c.users.Update(xuid, func(user *users.LocalUser) {
		user.LobbyState = users.LobbyStateAdd
	}); err != nil {
		return err
	}
	c.processor.Enqueue(pending.Intent{Kind: pending.KindAddUser, XUID: xuid, Context: requestContext})
	return nil
}

// RemoveUser queues xuid's departure from the lobby.
func (c *Client) RemoveUser(xuid string, requestContext any) error {
	if _, err := c.users.Update(xuid, func(user *users.LocalUser) {
		user.LobbyState = users.LobbyStateLeave
	}); err != nil {
		return err
	}
	c.users.PromotePrimary()
	c.processor.Enqueue(pending.Intent{Kind: pending.KindLeaveUser, XUID: xuid, Context: requestContext})
	return nil
}

// JoinLobby queues a join through handleID for every registered user. invitedXUID commits first.
func (c *Client) JoinLobby(handleID, invitedXUID string, requestContext any) error {
	if handleID == "" {
		return fmt.Errorf("%w: handle id required", session.ErrInvalidArgument)
	}
	if _, ok := c.users.Get(invitedXUID); !ok {
		return fmt.Errorf("%w: %s", users.ErrUnknownUser, invitedXUID)
	}
	for _, user := range c.users.Users() {
		if user.MarkedForRemoval {
			continue
		}
		invited := user.XUID == invitedXUID
		if _, err := c.users.Update(user.XUID, func(stored *users.LocalUser) {
			stored.LobbyState = users.LobbyStateJoin
			if invited {
				stored.InviteHandle = handleID
			}
		}); err != nil {
			return err
		}
		c.processor.Enqueue(pending.Intent{
			Kind:     pending.KindJoinUser,
			XUID:     user.XUID,
			HandleID: handleID,
			Invited:  invited,
			Context:  requestContext,
		})
	}
	return nil
}

// SetMemberProperty queues a blind member property write for xuid.
func (c *Client) SetMemberProperty(xuid, name string, value json.RawMessage, requestContext any) error {
	intent, err := c.memberPropertyIntent(xuid, name, requestContext)
	if err != nil {
		return err
	}
	if intent.Value, err = session.NewPropertyValue(string(value)); err != nil {
		return err
	}
	intent.Kind = pending.KindSetMemberProperty
	c.processor.Enqueue(intent)
	return nil
}

// DeleteMemberProperty queues a blind member property deletion for xuid.
func (c *Client) DeleteMemberProperty(xuid, name string, requestContext any) error {
	intent, err := c.memberPropertyIntent(xuid, name, requestContext)
	if err != nil {
		return err
	}
	intent.Kind = pending.KindDeleteMemberProperty
	c.processor.Enqueue(intent)
	return nil
}

func (c *Client) memberPropertyIntent(xuid, name string, requestContext any) (pending.Intent, error) {
	if _, ok := c.users.Get(xuid); !ok {
		return pending.Intent{}, fmt.Errorf("%w: %s", users.ErrUnknownUser, xuid)
	}
	propertyName, err := session.NewPropertyName(name)
	if err != nil {
		return pending.Intent{}, err
	}
	return pending.Intent{XUID: xuid, Name: propertyName, Context: requestContext}, nil
}

// SetConnectionAddress queues the secure device address of xuid.
func (c *Client) SetConnectionAddress(xuid, address string, requestContext any) error {
	if _, ok := c.users.Get(xuid); !ok {
		return fmt.Errorf("%w: %s", users.ErrUnknownUser, xuid)
	}
	if address == "" {
		return fmt.Errorf("%w: connection address required", session.ErrInvalidArgument)
	}
	if _, err := c.users.Update(xuid, func(user *users.LocalUser) {
		user.ConnectionAddress = address
	}); err != nil {
		return err
	}
	c.processor.Enqueue(pending.Intent{Kind: pending.KindSetConnectionAddress, XUID: xuid, Address: address, Context: requestContext})
	return nil
}

// SetProperty queues a blind session property write. A null value deletes the property.
func (c *Client) SetProperty(name string, value json.RawMessage, requestContext any) error {
	return c.enqueueSessionProperty(pending.KindSetSessionProperty, name, value, requestContext)
}

// DeleteProperty queues a blind session property deletion.
func (c *Client) DeleteProperty(name string, requestContext any) error {
	return c.enqueueSessionProperty(pending.KindDeleteSessionProperty, name, nil, requestContext)
}

// SetSynchronizedProperty queues a conditional session property write.
func (c *Client) SetSynchronizedProperty(name string, value json.RawMessage, requestContext any) error {
	return c.enqueueSessionProperty(pending.KindSetSynchronizedProperty, name, value, requestContext)
}

func (c *Client) enqueueSessionProperty(kind pending.Kind, name string, value json.RawMessage, requestContext any) error {
	primary, ok := c.users.Primary()
	if !ok {
		return fmt.Errorf("%w: %v", session.ErrLogic, errNoLocalUser)
	}
	propertyName, err := session.NewPropertyName(name)
	if err != nil {
		return err
	}
	if session.IsReservedProperty(propertyName) {
		return fmt.Errorf("%w: %s is reserved", session.ErrInvalidArgument, propertyName)
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

// SetSynchronizedHost queues a conditional promotion of xuid's device to host.
func (c *Client) SetSynchronizedHost(xuid string, requestContext any) error {
	if _, ok := c.users.Get(xuid); !ok {
		return fmt.Errorf("%w: %s", users.ErrUnknownUser, xuid)
	}
	c.processor.Enqueue(pending.Intent{Kind: pending.KindSetSynchronizedHost, XUID: xuid, Context: requestContext})
	return nil
}

// SetJoinability queues a conditional joinability change.
func (c *Client) SetJoinability(joinability session.Joinability, requestContext any) error {
	primary, ok := c.users.Primary()
	if !ok {
		return fmt.Errorf("%w: %v", session.ErrLogic, errNoLocalUser)
	}
	if joinability == session.JoinabilityNone || joinability.String() == "unknown" {
		return fmt.Errorf("%w: joinability %d", session.ErrInvalidArgument, joinability)
	}
	c.processor.Enqueue(pending.Intent{Kind: pending.KindSetJoinability, XUID: primary.XUID, Joinability: joinability, Context: requestContext})
	return nil
}

// Joinability returns the published joinability marker.
func (c *Client) Joinability() session.Joinability {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.Joinability
}

// TransferHandle returns the game transfer handle advertised on the lobby.
func (c *Client) TransferHandle() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.TransferHandle
}
