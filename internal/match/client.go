package match

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/events"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/users"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/writer"
)

// GameSession is the game client the matched session is handed to.
type GameSession interface {
	Document() *session.Document
	Adopt(doc *session.Document)
}

// Config describes the match client dependencies.
type Config struct {
	Directory       transport.Directory
	Users           *users.Registry
	Events          *events.Queue
	Game            GameSession
	ServiceConfigID string
	Template        string
	PollInterval    time.Duration
	ConflictRetries int
	SubscriptionID  func() string
	Now             func() time.Time
	Logger          *zap.Logger
}

// Client owns the matchmaking ticket and the session writer that follows the ticket session
// and then the target session.
type Client struct {
	directory       transport.Directory
	users           *users.Registry
	events          *events.Queue
	game            GameSession
	serviceConfigID string
	template        string
	pollInterval    time.Duration
	subscriptionID  func() string
	now             func() time.Time
	writer          *writer.Writer
	logger          *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	deadline     time.Time
	nextPoll     time.Time
	completed    bool
	qosRequested bool
	running      sync.WaitGroup
}

// New constructs a match client with no episode.
func New(cfg Config) (*Client, error) {
	switch {
	case cfg.Directory == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingDirectory)
	case cfg.Users == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingUsers)
	case cfg.Events == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingEvents)
	case cfg.Game == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingGame)
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	subscriptionID := cfg.SubscriptionID
	if subscriptionID == nil {
		subscriptionID = func() string { return "" }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("session_kind", session.KindMatch.String()))

	client := &Client{
		directory:       cfg.Directory,
		users:           cfg.Users,
		events:          cfg.Events,
		game:            cfg.Game,
		serviceConfigID: cfg.ServiceConfigID,
		template:        cfg.Template,
		pollInterval:    pollInterval,
		subscriptionID:  subscriptionID,
		now:             now,
		logger:          logger,
		state:           State{Status: session.MatchStatusNone},
	}
	var err error
	client.writer, err = writer.New(writer.Config{
		Directory:       cfg.Directory,
		Kind:            session.KindMatch,
		ConflictRetries: cfg.ConflictRetries,
		Credentials:     client.primaryCredentials,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	client.ctx, client.cancel = context.WithCancel(context.Background())
	return client, nil
}

func (c *Client) primaryCredentials() (transport.Credentials, bool) {
	primary, ok := c.users.Primary()
	if !ok {
		return transport.Credentials{}, false
	}
	return primary.Credentials, true
}

// Writer exposes the writer following the ticket or target session.
func (c *Client) Writer() *writer.Writer {
	return c.writer
}

// Document returns the cached ticket or target session.
func (c *Client) Document() *session.Document {
	return c.writer.Document()
}

// State returns the current episode state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the current matchmaking status.
func (c *Client) Status() session.MatchStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Status
}

// EstimatedWaitTime returns the latest wait estimate of the ticket.
func (c *Client) EstimatedWaitTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.EstimatedWait
}

// Wait blocks until every asynchronous step started so far finished.
func (c *Client) Wait() {
	c.running.Wait()
}

// HandleNotification forwards a change notification to the match writer.
func (c *Client) HandleNotification(ref session.Reference, changeNumber uint64) {
	c.writer.HandleNotification(ref, changeNumber)
}

// Resync forces a coalesced refetch of the followed session.
func (c *Client) Resync() {
	c.writer.Resync()
}

// Close cancels in-flight steps and the writer.
func (c *Client) Close() {
	c.cancel()
	c.writer.Close()
}

// FindMatch submits a ticket for every local user.
func (c *Client) FindMatch(request Request) error {
	hopper := strings.TrimSpace(request.Hopper)
	if hopper == "" {
		return fmt.Errorf("%w: hopper required", session.ErrInvalidArgument)
	}
	if request.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", session.ErrInvalidArgument)
	}
	if len(request.Attributes) > 0 && !json.Valid(request.Attributes) {
		return fmt.Errorf("%w: ticket attributes must be JSON", session.ErrInvalidArgument)
	}
	if _, ok := c.users.Primary(); !ok {
		return fmt.Errorf("%w: %v", session.ErrLogic, errNoLocalUser)
	}

	c.mu.Lock()
	if c.state.Status.Active() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", session.ErrLogic, errMatchInProgress)
	}
	episode := c.beginLocked(hopper, request)
	c.mu.Unlock()

	c.start(func() { c.submit(episode) })
	return nil
}

func (c *Client) beginLocked(hopper string, request Request) int {
	c.state = State{
		Hopper:          hopper,
		Attributes:      request.Attributes,
		Timeout:         request.Timeout,
		Status:          session.MatchStatusSubmittingTicket,
		PreserveSession: request.PreserveSession,
		Episode:         c.state.Episode + 1,
	}
	c.completed = false
	c.qosRequested = false
	c.deadline = c.now().Add(request.Timeout)
	c.nextPoll = time.Time{}
	return c.state.Episode
}

func (c *Client) start(step func()) {
	c.running.Add(1)
	go func() {
		defer c.running.Done()
		step()
	}()
}

// submit prepares the ticket session and creates the ticket.
func (c *Client) submit(episode int) {
	c.mu.Lock()
	request := transport.TicketRequest{
		Hopper:          c.state.Hopper,
		Attributes:      c.state.Attributes,
		Timeout:         c.state.Timeout,
		PreserveSession: c.state.PreserveSession,
	}
	c.mu.Unlock()

	ticketSession, err := c.prepareTicketSession(request.PreserveSession)
	if err != nil {
		c.fail(episode, "prepare_ticket_session", err)
		return
	}
	request.Session = ticketSession
	primary, ok := c.users.Primary()
	if !ok {
		c.fail(episode, "create_match_ticket", fmt.Errorf("%w: %v", session.ErrLogic, errNoLocalUser))
		return
	}
	ticket, err := c.directory.CreateMatchTicket(c.ctx, primary.Credentials, request)
	if err != nil {
		c.fail(episode, "create_match_ticket", err)
		return
	}

	c.mu.Lock()
	if c.state.Episode != episode || c.completed {
		c.mu.Unlock()
		c.deleteTicket(primary.Credentials, request.Hopper, ticket.ID)
		return
	}
	c.state.TicketID = ticket.ID
	c.state.TicketSession = ticketSession
	c.state.EstimatedWait = ticket.EstimatedWait
	c.state.Status = session.MatchStatusSearching
	c.nextPoll = c.now().Add(c.pollInterval)
	c.mu.Unlock()
	c.logger.Debug("match ticket submitted", zap.String("ticket_id", ticket.ID), zap.Int("episode", episode))
}

// prepareTicketSession returns the session the ticket is submitted for: the held game when
// the session is preserved, otherwise a fresh match session every local user joins.
func (c *Client) prepareTicketSession(preserve bool) (session.Reference, error) {
	if preserve {
		if held := c.game.Document(); held != nil {
			c.writer.SetReference(held.Reference)
			c.writer.Resync()
			return held.Reference, nil
		}
	}
	ref, err := session.NewReference(c.serviceConfigID, c.template, uuid.NewString())
	if err != nil {
		return session.Reference{}, err
	}
	c.writer.SetReference(ref)
	if err := c.joinAll(false); err != nil {
		return session.Reference{}, err
	}
	return ref, nil
}

// joinAll writes every participating local user into the writer's session in turn.
func (c *Client) joinAll(initialize bool) error {
	joined := false
	for _, user := range c.users.Users() {
		if user.MarkedForRemoval || user.LobbyState == users.LobbyStateLeave || user.LobbyState == users.LobbyStateRemove {
			continue
		}
		join := session.MemberJoin{
			XUID:              user.XUID,
			Gamertag:          user.Gamertag,
			DeviceToken:       user.DeviceToken(),
			ConnectionAddress: user.ConnectionAddress,
			SubscriptionID:    c.subscriptionID(),
			Initialize:        initialize,
		}
		if _, err := c.writer.CommitPending(c.ctx, user.Credentials, func(doc *session.Document) error {
			doc.JoinMember(join)
			return nil
		}); err != nil {
			return err
		}
		joined = true
	}
	if !joined {
		return fmt.Errorf("%w: %v", session.ErrLogic, errNoLocalUser)
	}
	return nil
}

// Tick enforces the episode deadline and issues the scheduled poll.
func (c *Client) Tick(context.Context) {
	now := c.now()
	c.mu.Lock()
	status := c.state.Status
	if !status.Active() || status == session.MatchStatusCanceling {
		c.mu.Unlock()
		return
	}
	if !now.Before(c.deadline) {
		ticketID, hopper := c.state.TicketID, c.state.Hopper
		ownsTicket := ticketID != "" && (status == session.MatchStatusSearching || status == session.MatchStatusFound)
		c.completeLocked(session.MatchStatusFailed, ErrMatchTimeout, "")
		c.mu.Unlock()
		c.logger.Info("matchmaking deadline elapsed", zap.String("ticket_id", ticketID))
		if ownsTicket {
			if primary, ok := c.users.Primary(); ok {
				c.start(func() { c.deleteTicket(primary.Credentials, hopper, ticketID) })
			}
		}
		return
	}
	poll := polling(status) && !c.nextPoll.IsZero() && !now.Before(c.nextPoll)
	if poll {
		c.nextPoll = now.Add(c.pollInterval)
	}
	c.mu.Unlock()
	if poll {
		c.writer.Refresh()
	}
}

// Observe applies a newer snapshot of the ticket or target session to the state machine.
func (c *Client) Observe(doc *session.Document) {
	if doc == nil {
		return
	}
	c.mu.Lock()
	if !c.state.Status.Active() {
		c.mu.Unlock()
		return
	}
	var after func()
	switch {
	case doc.Reference.Equal(c.state.TicketSession) && (c.state.Status == session.MatchStatusSearching || c.state.Status == session.MatchStatusCanceling):
		after = c.observeTicketLocked(doc)
	case doc.Reference.Equal(c.state.Target) && resolvingTarget(c.state.Status):
		after = c.evaluateLocked(doc)
	}
	c.mu.Unlock()
	if after != nil {
		after()
	}
}

func (c *Client) observeTicketLocked(doc *session.Document) func() {
	matchmaking := doc.Matchmaking
	if matchmaking == nil {
		return nil
	}
	if matchmaking.TypicalWait > 0 {
		c.state.EstimatedWait = matchmaking.TypicalWait
	}
	switch matchmaking.Status {
	case session.MatchmakingStatusSearching:
		c.nextPoll = c.now().Add(c.pollInterval)
	case session.MatchmakingStatusExpired:
		c.completeLocked(session.MatchStatusExpired, nil, "")
	case session.MatchmakingStatusCanceled:
		c.completeLocked(session.MatchStatusCanceled, nil, "")
	case session.MatchmakingStatusFound:
		if c.state.Status != session.MatchStatusSearching || matchmaking.TargetSession.IsZero() {
			return nil
		}
		c.state.Status = session.MatchStatusFound
		c.state.Target = matchmaking.TargetSession
		episode := c.state.Episode
		target := matchmaking.TargetSession
		preserve := c.state.PreserveSession
		ticketSession := c.state.TicketSession
		return func() { c.start(func() { c.joinTarget(episode, target, ticketSession, preserve) }) }
	}
	return nil
}

// joinTarget joins the session selected by the service, reusing the held game when the
// session was preserved and is the target. The episode stays found, and cancelable, until
// the join starts.
func (c *Client) joinTarget(episode int, target, ticketSession session.Reference, preserve bool) {
	if preserve {
		if held := c.game.Document(); held != nil && held.Reference.Equal(target) {
			c.mu.Lock()
			if c.foundLocked(episode) {
				c.completeLocked(session.MatchStatusCompleted, nil, "")
			}
			c.mu.Unlock()
			return
		}
	}
	c.mu.Lock()
	if !c.foundLocked(episode) {
		c.mu.Unlock()
		return
	}
	c.state.Status = session.MatchStatusJoining
	c.mu.Unlock()
	if !target.Equal(ticketSession) {
		if doc := c.writer.Document(); doc != nil && doc.Reference.Equal(ticketSession) {
			for _, user := range c.users.Users() {
				if _, ok := doc.Member(user.XUID); !ok {
					continue
				}
				leave := doc.Clone()
				leave.LeaveMember(user.XUID)
				c.writer.LeaveRemote(user.Credentials, leave)
			}
		}
	}
	c.writer.SetReference(target)
	if err := c.joinAll(true); err != nil {
		c.fail(episode, "join_target", err)
		return
	}
	joined := c.writer.Document()

	c.mu.Lock()
	if c.state.Episode != episode || c.completed {
		c.mu.Unlock()
		return
	}
	c.state.Status = session.MatchStatusWaitingForJoin
	c.nextPoll = c.now().Add(c.pollInterval)
	after := c.evaluateLocked(joined)
	c.mu.Unlock()
	if after != nil {
		after()
	}
}

func (c *Client) foundLocked(episode int) bool {
	return c.state.Episode == episode && !c.completed && c.state.Status == session.MatchStatusFound
}

// evaluateLocked advances the episode from the target session's initialization state.
func (c *Client) evaluateLocked(doc *session.Document) func() {
	if doc == nil || c.state.Status == session.MatchStatusJoining {
		return nil
	}
	local, ok := c.localMember(doc)
	if !ok {
		return nil
	}
	c.nextPoll = c.now().Add(c.pollInterval)

	if local.InitializationEpisode == 0 || doc.Initialization == nil {
		if local.InitializationFailure != "" {
			return c.resubmitLocked(local.InitializationFailure)
		}
		c.completeLocked(session.MatchStatusCompleted, nil, "")
		return func() { c.game.Adopt(doc) }
	}

	switch doc.Initialization.Stage {
	case session.InitializationStageJoining:
		c.state.Status = session.MatchStatusWaitingForJoin
	case session.InitializationStageMeasuring:
		if len(local.QosMeasurements) > 0 {
			c.state.Status = session.MatchStatusMeasuring
			return nil
		}
		addresses := remoteAddresses(doc, c.users)
		if len(addresses) == 0 {
			c.state.Status = session.MatchStatusMeasuring
			return nil
		}
		c.state.Status = session.MatchStatusWaitingForQosUpload
		if !c.qosRequested {
			c.qosRequested = true
			c.events.Push(events.Event{
				Type:        events.TypePerformQosMeasurements,
				SessionKind: session.KindMatch,
				Payload:     events.PerformQosMeasurements{Addresses: addresses},
			})
		}
	case session.InitializationStageEvaluating:
		c.state.Status = session.MatchStatusEvaluating
	case session.InitializationStageFailed:
		cause := local.InitializationFailure
		if cause == "" {
			cause = string(session.InitializationStageFailed)
		}
		c.completeLocked(session.MatchStatusFailed, fmt.Errorf("%w: %s", ErrInitializationFailed, cause), cause)
	}
	return nil
}

// resubmitLocked ends the episode as resubmitting and submits a fresh ticket with the same
// parameters.
func (c *Client) resubmitLocked(cause string) func() {
	c.completeLocked(session.MatchStatusResubmitting, fmt.Errorf("%w: %s", ErrInitializationFailed, cause), cause)
	request := Request{
		Hopper:          c.state.Hopper,
		Attributes:      c.state.Attributes,
		Timeout:         c.state.Timeout,
		PreserveSession: c.state.PreserveSession,
	}
	episode := c.beginLocked(request.Hopper, request)
	return func() { c.start(func() { c.submit(episode) }) }
}

func (c *Client) localMember(doc *session.Document) (session.Member, bool) {
	if primary, ok := c.users.Primary(); ok {
		if member, ok := doc.Member(primary.XUID); ok {
			return member, true
		}
	}
	for _, user := range c.users.Users() {
		if member, ok := doc.Member(user.XUID); ok {
			return member, true
		}
	}
	return session.Member{}, false
}

func remoteAddresses(doc *session.Document, registry *users.Registry) map[string]string {
	addresses := map[string]string{}
	for _, member := range doc.Members {
		if _, local := registry.Get(member.XUID); local {
			continue
		}
		if member.ConnectionAddress == "" || member.DeviceToken == "" {
			continue
		}
		addresses[member.DeviceToken] = member.ConnectionAddress
	}
	return addresses
}

// CancelMatch deletes the ticket this client holds. Without a ticket it does nothing.
func (c *Client) CancelMatch() error {
	primary, hasPrimary := c.users.Primary()
	c.mu.Lock()
	if c.state.TicketID == "" || !c.state.Status.Active() {
		c.mu.Unlock()
		return nil
	}
	if c.state.Status != session.MatchStatusSearching && c.state.Status != session.MatchStatusFound {
		status := c.state.Status
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel while %s", session.ErrLogic, status)
	}
	if !hasPrimary {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", session.ErrLogic, errNoLocalUser)
	}
	c.state.Status = session.MatchStatusCanceling
	episode := c.state.Episode
	ticketID, hopper := c.state.TicketID, c.state.Hopper
	c.mu.Unlock()

	c.start(func() {
		err := c.directory.DeleteMatchTicket(c.ctx, primary.Credentials, c.serviceConfigID, hopper, ticketID)
		if errors.Is(err, session.ErrDestroyed) {
			return
		}
		if errors.Is(err, session.ErrNotFound) {
			err = nil
		}
		if err != nil {
			c.logError("delete_match_ticket", "request_failed", err, zap.String("ticket_id", ticketID))
		}
		c.mu.Lock()
		if c.state.Episode == episode {
			c.completeLocked(session.MatchStatusCanceled, err, "")
		}
		c.mu.Unlock()
	})
	return nil
}

// SetQosMeasurements uploads xuid's measurements onto the target session.
func (c *Client) SetQosMeasurements(xuid string, measurements json.RawMessage) error {
	if !json.Valid(measurements) {
		return fmt.Errorf("%w: measurements must be JSON", session.ErrInvalidArgument)
	}
	user, ok := c.users.Get(xuid)
	if !ok {
		return fmt.Errorf("%w: %s", users.ErrUnknownUser, xuid)
	}
	c.mu.Lock()
	status := c.state.Status
	episode := c.state.Episode
	if status != session.MatchStatusMeasuring && status != session.MatchStatusWaitingForQosUpload {
		c.mu.Unlock()
		return fmt.Errorf("%w: no measurement requested while %s", session.ErrLogic, status)
	}
	c.state.Status = session.MatchStatusWaitingForQosUpload
	c.mu.Unlock()

	c.start(func() {
		_, err := c.writer.CommitPending(c.ctx, user.Credentials, func(doc *session.Document) error {
			doc.SetMemberQosMeasurements(user.XUID, measurements)
			return nil
		})
		if err != nil {
			c.fail(episode, "upload_qos", err)
		}
	})
	return nil
}

func (c *Client) deleteTicket(creds transport.Credentials, hopper, ticketID string) {
	if ticketID == "" {
		return
	}
	err := c.directory.DeleteMatchTicket(c.ctx, creds, c.serviceConfigID, hopper, ticketID)
	if err != nil && !errors.Is(err, session.ErrDestroyed) && !errors.Is(err, session.ErrNotFound) {
		c.logError("delete_match_ticket", "request_failed", err, zap.String("ticket_id", ticketID))
	}
}

func (c *Client) fail(episode int, operation string, err error) {
	if errors.Is(err, session.ErrDestroyed) {
		return
	}
	c.logError(operation, "request_failed", err, zap.Int("episode", episode))
	c.mu.Lock()
	if c.state.Episode == episode {
		c.completeLocked(session.MatchStatusFailed, err, "")
	}
	c.mu.Unlock()
}

// completeLocked ends the episode; later outcomes of the same episode are dropped.
func (c *Client) completeLocked(status session.MatchStatus, err error, initializationFailure string) bool {
	if c.completed {
		return false
	}
	c.completed = true
	c.state.Status = status
	c.events.Push(events.Event{
		Type:        events.TypeFindMatchCompleted,
		SessionKind: session.KindMatch,
		Err:         err,
		Payload: events.FindMatchCompleted{
			Status:                status,
			InitializationFailure: initializationFailure,
		},
	})
	return true
}

func (c *Client) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	c.logger.Warn("matchmaking step failed", allFields...)
}
