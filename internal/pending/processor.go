package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/events"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/users"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/writer"
)

var (
	// ErrBatchAborted is reported to intents skipped because an earlier commit of their batch failed.
	ErrBatchAborted = errors.New("pending: batch aborted")
	// ErrInvalidConfig indicates a Config that cannot produce a processor.
	ErrInvalidConfig  = errors.New("pending: invalid config")
	errMissingWriter  = errors.New("writer dependency required")
	errMissingUsers   = errors.New("user registry dependency required")
	errMissingEvents  = errors.New("event queue dependency required")
	errMissingHandler = errors.New("handler dependency required")
	errNoSession      = errors.New("no session to write")
	errNotMember      = errors.New("user is not a session member")
)

// Handler receives the outcome of user transitions. It runs on the batch goroutine, so it may
// perform follow-up I/O before the next batch starts.
type Handler interface {
	UserCommitted(ctx context.Context, intent Intent, doc *session.Document, err error)
}

// Config describes the processor dependencies.
type Config struct {
	Kind           session.Kind
	Writer         *writer.Writer
	Users          *users.Registry
	Events         *events.Queue
	Handler        Handler
	Constants      session.Constants
	SubscriptionID func() string
	Logger         *zap.Logger
}

// Processor drains a Queue in same-classification batches, one batch in flight at a time.
type Processor struct {
	kind           session.Kind
	writer         *writer.Writer
	users          *users.Registry
	events         *events.Queue
	handler        Handler
	constants      session.Constants
	subscriptionID func() string
	logger         *zap.Logger

	queue Queue

	mu         sync.Mutex
	committing bool
	running    sync.WaitGroup
}

// New constructs a Processor.
func New(cfg Config) (*Processor, error) {
	switch {
	case cfg.Writer == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingWriter)
	case cfg.Users == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingUsers)
	case cfg.Events == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingEvents)
	case cfg.Handler == nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingHandler)
	}
	subscriptionID := cfg.SubscriptionID
	if subscriptionID == nil {
		subscriptionID = func() string { return "" }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		kind:           cfg.Kind,
		writer:         cfg.Writer,
		users:          cfg.Users,
		events:         cfg.Events,
		handler:        cfg.Handler,
		constants:      cfg.Constants,
		subscriptionID: subscriptionID,
		logger:         logger.With(zap.String("session_kind", cfg.Kind.String())),
	}, nil
}

// Enqueue records intent for a later batch.
func (p *Processor) Enqueue(intent Intent) {
	p.queue.Push(intent)
}

// Pending reports the number of queued intents.
func (p *Processor) Pending() int {
	return p.queue.Len()
}

// Busy reports whether a batch is committing.
func (p *Processor) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.committing
}

// Wait blocks until the running batch, if any, finished.
func (p *Processor) Wait() {
	p.running.Wait()
}

// Discard drops every queued intent.
func (p *Processor) Discard() []Intent {
	return p.queue.Drain()
}

// Tick starts the next batch unless one is still committing. It reports whether a batch started.
func (p *Processor) Tick(ctx context.Context) bool {
	p.mu.Lock()
	if p.committing {
		p.mu.Unlock()
		return false
	}
	batch := p.queue.TakePrefix()
	if len(batch) == 0 {
		p.mu.Unlock()
		return false
	}
	p.committing = true
	p.running.Add(1)
	p.mu.Unlock()

	synchronized := batch[0].Kind.Synchronized()
	if synchronized {
		p.leaveReplacedSession(batch)
	}
	go func() {
		defer p.running.Done()
		if synchronized {
			p.runSynchronized(ctx, batch)
		} else {
			p.runUnsynchronized(ctx, batch)
		}
		p.mu.Lock()
		p.committing = false
		p.mu.Unlock()
	}()
	return true
}

// leaveReplacedSession leaves the cached session remotely and resets the writer when the
// batch joins a different session.
func (p *Processor) leaveReplacedSession(batch []Intent) {
	current := p.writer.Reference()
	var target session.Reference
	switching := false
	for _, intent := range batch {
		switch {
		case intent.Kind == KindJoinUser:
			switching = true
		case intent.Kind == KindAddUser && !intent.Reference.IsZero() && !intent.Reference.Equal(current):
			switching = true
			target = intent.Reference
		}
	}
	if !switching {
		return
	}
	if doc := p.writer.Document(); doc != nil {
		for _, user := range p.users.Users() {
			if _, ok := doc.Member(user.XUID); !ok {
				continue
			}
			leave := doc.Clone()
			leave.LeaveMember(user.XUID)
			p.writer.LeaveRemote(user.Credentials, leave)
		}
	}
	if !target.IsZero() {
		p.writer.SetReference(target)
	}
	p.writer.Reset()
}

func (p *Processor) runUnsynchronized(ctx context.Context, batch []Intent) {
	primary, ok := p.users.Primary()
	if !ok {
		p.pushFieldEvents(batch, fmt.Errorf("%w: no local user", session.ErrLogic))
		return
	}
	cached := p.writer.Document()
	if cached == nil {
		p.pushFieldEvents(batch, fmt.Errorf("%w: %v", session.ErrLogic, errNoSession))
		return
	}

	var accepted, rejected []Intent
	var rejections []error
	for _, intent := range batch {
		if err := p.checkField(cached, intent); err != nil {
			rejected = append(rejected, intent)
			rejections = append(rejections, err)
			continue
		}
		accepted = append(accepted, intent)
	}
	for i, intent := range rejected {
		p.events.Push(p.fieldEvent(intent, rejections[i]))
	}
	if len(accepted) == 0 {
		return
	}

	_, err := p.writer.CommitPending(ctx, primary.Credentials, func(doc *session.Document) error {
		for _, intent := range accepted {
			if err := p.applyField(doc, intent); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, session.ErrDestroyed) {
		return
	}
	if err != nil {
		p.logError("commit_pending", "write_failed", err, zap.Int("intents", len(accepted)))
	}
	p.pushFieldEvents(accepted, err)
}

// userCommit is one sequential commit of a synchronized batch.
type userCommit struct {
	transition *Intent
	fields     []Intent
}

func (c userCommit) xuid() string {
	if c.transition != nil {
		return c.transition.XUID
	}
	if len(c.fields) > 0 {
		return c.fields[0].XUID
	}
	return ""
}

// plan orders transitions as queued, invited users first, and attaches the synchronized
// fields to the first commit only. Later commits build on the document that commit returned,
// so they already carry the fields, and each field reports completion once.
func plan(batch []Intent) []userCommit {
	var invited, others []userCommit
	var fields []Intent
	for i := range batch {
		intent := batch[i]
		if !intent.Kind.Transition() {
			fields = append(fields, intent)
			continue
		}
		commit := userCommit{transition: &intent}
		if intent.Invited {
			invited = append(invited, commit)
		} else {
			others = append(others, commit)
		}
	}
	commits := append(invited, others...)
	if len(commits) == 0 {
		return []userCommit{{fields: fields}}
	}
	commits[0].fields = fields
	return commits
}

func (p *Processor) runSynchronized(ctx context.Context, batch []Intent) {
	commits := plan(batch)
	for i, commit := range commits {
		doc, err := p.commit(ctx, commit)
		if errors.Is(err, session.ErrDestroyed) || ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logError("commit_synchronized", "write_failed", err, zap.String("xuid", commit.xuid()))
			p.finish(ctx, commit, nil, err)
			aborted := fmt.Errorf("%w: %v", ErrBatchAborted, err)
			for _, rest := range commits[i+1:] {
				p.finish(ctx, rest, nil, aborted)
			}
			return
		}
		p.finish(ctx, commit, doc, nil)
	}
}

func (p *Processor) finish(ctx context.Context, commit userCommit, doc *session.Document, err error) {
	if commit.transition != nil {
		p.handler.UserCommitted(ctx, *commit.transition, doc, err)
	}
	p.pushFieldEvents(commit.fields, err)
}

func (p *Processor) commit(ctx context.Context, commit userCommit) (*session.Document, error) {
	user, err := p.commitUser(commit)
	if err != nil {
		return nil, err
	}
	creds := user.Credentials
	applyFields := func(doc *session.Document) error {
		for _, field := range commit.fields {
			if err := p.applyField(doc, field); err != nil {
				return err
			}
		}
		return nil
	}

	if commit.transition == nil {
		if p.writer.Document() == nil {
			return nil, fmt.Errorf("%w: %v", session.ErrLogic, errNoSession)
		}
		return p.writer.CommitSynchronized(ctx, creds, applyFields)
	}

	intent := commit.transition
	switch intent.Kind {
	case KindAddUser:
		doc, err := p.writer.CommitPendingSynchronized(ctx, creds, func(doc *session.Document) error {
			if doc.ETag == "" && doc.ChangeNumber == 0 {
				doc.SetConstants(p.constants)
				doc.SetHostDeviceToken(user.DeviceToken())
			}
			doc.JoinMember(p.memberJoin(user, *intent))
			return applyFields(doc)
		})
		if err != nil {
			return nil, err
		}
		return p.promoteHost(ctx, user, doc), nil
	case KindJoinUser:
		scratch := session.New(session.Reference{})
		scratch.JoinMember(p.memberJoin(user, *intent))
		if err := applyFields(scratch); err != nil {
			return nil, err
		}
		doc, err := p.writer.WriteByHandle(ctx, creds, scratch, intent.HandleID)
		if err != nil {
			return nil, err
		}
		return p.promoteHost(ctx, user, doc), nil
	case KindLeaveUser:
		cached := p.writer.Document()
		if cached == nil {
			return nil, nil
		}
		if _, ok := cached.Member(user.XUID); !ok && len(commit.fields) == 0 {
			return cached, nil
		}
		return p.writer.CommitPendingSynchronized(ctx, creds, func(doc *session.Document) error {
			if err := applyFields(doc); err != nil {
				return err
			}
			doc.LeaveMember(user.XUID)
			return nil
		})
	default:
		return nil, fmt.Errorf("%w: unexpected transition %s", session.ErrLogic, intent.Kind)
	}
}

func (p *Processor) commitUser(commit userCommit) (users.LocalUser, error) {
	xuid := commit.xuid()
	if xuid != "" {
		if user, ok := p.users.Get(xuid); ok {
			return user, nil
		}
		return users.LocalUser{}, fmt.Errorf("%w: %s", users.ErrUnknownUser, xuid)
	}
	if primary, ok := p.users.Primary(); ok {
		return primary, nil
	}
	return users.LocalUser{}, fmt.Errorf("%w: no local user", session.ErrLogic)
}

// promoteHost claims the host role for user when the joined session has none.
func (p *Processor) promoteHost(ctx context.Context, user users.LocalUser, doc *session.Document) *session.Document {
	if doc == nil {
		return doc
	}
	if _, ok := doc.Host(); ok {
		return doc
	}
	promoted, err := p.writer.CommitSynchronized(ctx, user.Credentials, func(fresh *session.Document) error {
		if _, ok := fresh.Host(); !ok {
			fresh.SetHostDeviceToken(user.DeviceToken())
		}
		return nil
	})
	if err != nil {
		p.logError("promote_host", "write_failed", err, zap.String("xuid", user.XUID))
		return doc
	}
	if promoted == nil {
		return doc
	}
	return promoted
}

func (p *Processor) memberJoin(user users.LocalUser, intent Intent) session.MemberJoin {
	return session.MemberJoin{
		XUID:              user.XUID,
		Gamertag:          user.Gamertag,
		DeviceToken:       user.DeviceToken(),
		ConnectionAddress: user.ConnectionAddress,
		SubscriptionID:    p.subscriptionID(),
		Initialize:        intent.Initialize,
	}
}

func (p *Processor) checkField(doc *session.Document, intent Intent) error {
	switch intent.Kind {
	case KindSetMemberProperty, KindDeleteMemberProperty, KindSetConnectionAddress:
		if _, ok := doc.Member(intent.XUID); !ok {
			return fmt.Errorf("%w: %v: %s", session.ErrLogic, errNotMember, intent.XUID)
		}
	}
	return nil
}

func (p *Processor) applyField(doc *session.Document, intent Intent) error {
	if err := p.checkField(doc, intent); err != nil {
		return err
	}
	switch intent.Kind {
	case KindSetMemberProperty:
		doc.SetMemberCustomProperty(intent.XUID, intent.Name, intent.Value)
	case KindDeleteMemberProperty:
		doc.DeleteMemberCustomProperty(intent.XUID, intent.Name)
	case KindSetConnectionAddress:
		doc.SetMemberConnectionAddress(intent.XUID, intent.Address)
	case KindSetSessionProperty, KindSetSynchronizedProperty:
		if session.IsNull(intent.Value) {
			doc.DeleteCustomProperty(intent.Name)
		} else {
			doc.SetCustomProperty(intent.Name, intent.Value)
		}
	case KindDeleteSessionProperty:
		doc.DeleteCustomProperty(intent.Name)
	case KindSetSynchronizedHost:
		user, ok := p.users.Get(intent.XUID)
		if !ok {
			return fmt.Errorf("%w: %s", users.ErrUnknownUser, intent.XUID)
		}
		doc.SetHostDeviceToken(user.DeviceToken())
	case KindSetJoinability:
		marker, err := json.Marshal(intent.Joinability.String())
		if err != nil {
			return err
		}
		doc.SetCustomProperty(session.PropertyJoinability, marker)
		if restriction := intent.Joinability.JoinRestriction(); restriction != "" {
			doc.SetJoinRestriction(restriction)
		}
	default:
		return fmt.Errorf("%w: %s is not a field intent", session.ErrLogic, intent.Kind)
	}
	return nil
}

func (p *Processor) pushFieldEvents(intents []Intent, err error) {
	for _, intent := range intents {
		p.events.Push(p.fieldEvent(intent, err))
	}
}

func (p *Processor) fieldEvent(intent Intent, err error) events.Event {
	event := events.Event{SessionKind: p.kind, Err: err, Context: intent.Context}
	switch intent.Kind {
	case KindSetMemberProperty, KindDeleteMemberProperty:
		event.Type = events.TypeLocalMemberPropertyWriteCompleted
		event.Payload = events.LocalMemberWriteCompleted{XUID: intent.XUID}
	case KindSetConnectionAddress:
		event.Type = events.TypeLocalMemberConnectionAddressWriteCompleted
		event.Payload = events.LocalMemberWriteCompleted{XUID: intent.XUID}
	case KindSetSessionProperty, KindDeleteSessionProperty:
		event.Type = events.TypeSessionPropertyWriteCompleted
		event.Payload = events.SessionWriteCompleted{XUID: intent.XUID}
	case KindSetSynchronizedProperty, KindSetJoinability:
		event.Type = events.TypeSessionSynchronizedPropertyWriteCompleted
		event.Payload = events.SessionWriteCompleted{XUID: intent.XUID}
	case KindSetSynchronizedHost:
		event.Type = events.TypeSynchronizedHostWriteCompleted
		event.Payload = events.SessionWriteCompleted{XUID: intent.XUID}
	}
	return event
}

func (p *Processor) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	p.logger.Warn("pending batch failed", allFields...)
}
