// Package transporttest provides an in-memory session directory for tests.
package transporttest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
)

// Operation names recorded for each directory call.
const (
	OpWriteSession         = "write_session"
	OpWriteSessionByHandle = "write_session_by_handle"
	OpGetSession           = "get_session"
	OpCreateTransferHandle = "create_transfer_handle"
	OpCreateMatchTicket    = "create_match_ticket"
	OpDeleteMatchTicket    = "delete_match_ticket"
	OpSendInvites          = "send_invites"
)

// Call records one directory call.
type Call struct {
	Operation string
	XUID      string
	Reference session.Reference
	Mode      transport.WriteMode
	Request   *session.WriteRequest
	HandleID  string
	TicketID  string
	Ticket    transport.TicketRequest
	XUIDs     []string
}

// Gate holds calls of one operation until released.
type Gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Entered receives once per call that reached the gate.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// Release lets every held and future call through.
func (g *Gate) Release() {
	g.once.Do(func() { close(g.release) })
}

// Directory is a scripted in-memory transport.Directory. Writes follow the directory's
// patch semantics, stamp increasing change numbers and enforce ETag preconditions.
type Directory struct {
	mu           sync.Mutex
	sessions     map[string]*session.Document
	handles      map[string]session.Reference
	tickets      map[string]transport.TicketRequest
	calls        []Call
	failures     map[string][]error
	intercept    func(Call) error
	gates        map[string]*Gate
	handler      transport.NotificationHandler
	nextHandleID int
	nextTicketID int

	// NotifyOnWrite delivers a change notification for every successful write.
	NotifyOnWrite bool
	// TicketWait is reported as the estimated wait of created tickets.
	TicketWait int64
}

// New constructs an empty Directory.
func New() *Directory {
	return &Directory{
		sessions: make(map[string]*session.Document),
		handles:  make(map[string]session.Reference),
		tickets:  make(map[string]transport.TicketRequest),
		failures: make(map[string][]error),
		gates:    make(map[string]*Gate),
	}
}

// SetNotificationHandler routes change notifications to handler.
func (d *Directory) SetNotificationHandler(handler transport.NotificationHandler) {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()
}

// Seed stores doc as the current server-side state of its reference.
func (d *Directory) Seed(doc *session.Document) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stored := doc.Clone()
	if stored.ETag == "" {
		stored.ETag = etagFor(stored.ChangeNumber)
	}
	d.sessions[stored.Reference.Key()] = stored
}

// Session returns the server-side document for ref.
func (d *Directory) Session(ref session.Reference) *session.Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[ref.Key()].Clone()
}

// Update applies a server-side change to ref, bumps its change number and returns the result
// without notifying anyone.
func (d *Directory) Update(ref session.Reference, mutate func(doc *session.Document)) *session.Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.sessions[ref.Key()]
	var next *session.Document
	if current == nil {
		next = session.New(ref)
	} else {
		next = current.Clone()
	}
	mutate(next)
	next = next.Clone()
	next.ChangeNumber = changeNumberOf(current) + 1
	next.ETag = etagFor(next.ChangeNumber)
	d.sessions[ref.Key()] = next
	return next.Clone()
}

// Notify sends a change notification for the current state of ref.
func (d *Directory) Notify(ref session.Reference) {
	d.mu.Lock()
	handler := d.handler
	current := d.sessions[ref.Key()]
	d.mu.Unlock()
	if handler != nil && current != nil {
		handler.SessionChanged(transport.Notification{Reference: ref, ChangeNumber: current.ChangeNumber})
	}
}

// FailNext makes the next call of operation return err.
func (d *Directory) FailNext(operation string, err error) {
	d.mu.Lock()
	d.failures[operation] = append(d.failures[operation], err)
	d.mu.Unlock()
}

// Intercept installs hook, called for every call; a non-nil result fails the call.
func (d *Directory) Intercept(hook func(Call) error) {
	d.mu.Lock()
	d.intercept = hook
	d.mu.Unlock()
}

// Block holds calls of operation until the returned gate is released.
func (d *Directory) Block(operation string) *Gate {
	gate := &Gate{entered: make(chan struct{}, 64), release: make(chan struct{})}
	d.mu.Lock()
	d.gates[operation] = gate
	d.mu.Unlock()
	return gate
}

// Calls returns the recorded calls, restricted to the given operations when any are named.
func (d *Directory) Calls(operations ...string) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(operations) == 0 {
		return append([]Call(nil), d.calls...)
	}
	var filtered []Call
	for _, call := range d.calls {
		for _, operation := range operations {
			if call.Operation == operation {
				filtered = append(filtered, call)
				break
			}
		}
	}
	return filtered
}

// CallCount counts the recorded calls of operation.
func (d *Directory) CallCount(operation string) int {
	return len(d.Calls(operation))
}

// Ticket returns a live ticket.
func (d *Directory) Ticket(ticketID string) (transport.TicketRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ticket, ok := d.tickets[ticketID]
	return ticket, ok
}

// Handle returns the session a handle points at.
func (d *Directory) Handle(handleID string) (session.Reference, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref, ok := d.handles[handleID]
	return ref, ok
}

func (d *Directory) WriteSession(ctx context.Context, creds transport.Credentials, doc *session.Document, mode transport.WriteMode) (*session.Document, error) {
	request := doc.WriteRequest()
	if err := d.enter(ctx, Call{Operation: OpWriteSession, XUID: creds.XUID, Reference: doc.Reference, Mode: mode, Request: request}); err != nil {
		return nil, err
	}
	return d.commit(OpWriteSession, doc.Reference, doc.ETag, mode, request)
}

func (d *Directory) WriteSessionByHandle(ctx context.Context, creds transport.Credentials, doc *session.Document, handleID string) (*session.Document, error) {
	request := doc.WriteRequest()
	if err := d.enter(ctx, Call{Operation: OpWriteSessionByHandle, XUID: creds.XUID, HandleID: handleID, Request: request}); err != nil {
		return nil, err
	}
	ref, ok := d.Handle(handleID)
	if !ok {
		return nil, &session.TransportError{Operation: OpWriteSessionByHandle, StatusCode: 404, Err: session.ErrNotFound}
	}
	return d.commit(OpWriteSessionByHandle, ref, "", transport.WriteModeUpdateExisting, request)
}

func (d *Directory) GetSession(ctx context.Context, creds transport.Credentials, ref session.Reference) (*session.Document, error) {
	if err := d.enter(ctx, Call{Operation: OpGetSession, XUID: creds.XUID, Reference: ref}); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.sessions[ref.Key()]
	if current == nil {
		return nil, &session.TransportError{Operation: OpGetSession, StatusCode: 404, Err: session.ErrNotFound}
	}
	return current.Clone(), nil
}

func (d *Directory) CreateTransferHandle(ctx context.Context, creds transport.Credentials, ref session.Reference) (string, error) {
	if err := d.enter(ctx, Call{Operation: OpCreateTransferHandle, XUID: creds.XUID, Reference: ref}); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandleID++
	handleID := "handle-" + strconv.Itoa(d.nextHandleID)
	d.handles[handleID] = ref
	return handleID, nil
}

func (d *Directory) CreateMatchTicket(ctx context.Context, creds transport.Credentials, request transport.TicketRequest) (transport.Ticket, error) {
	if err := d.enter(ctx, Call{Operation: OpCreateMatchTicket, XUID: creds.XUID, Reference: request.Session, Ticket: request}); err != nil {
		return transport.Ticket{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextTicketID++
	ticketID := "ticket-" + strconv.Itoa(d.nextTicketID)
	d.tickets[ticketID] = request
	return transport.Ticket{ID: ticketID, EstimatedWait: secondsOf(d.TicketWait)}, nil
}

func (d *Directory) DeleteMatchTicket(ctx context.Context, creds transport.Credentials, serviceConfigID, hopper, ticketID string) error {
	if err := d.enter(ctx, Call{Operation: OpDeleteMatchTicket, XUID: creds.XUID, TicketID: ticketID}); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tickets[ticketID]; !ok {
		return &session.TransportError{Operation: OpDeleteMatchTicket, StatusCode: 404, Err: session.ErrNotFound}
	}
	delete(d.tickets, ticketID)
	return nil
}

func (d *Directory) SendInvites(ctx context.Context, creds transport.Credentials, ref session.Reference, xuids []string) ([]string, error) {
	if err := d.enter(ctx, Call{Operation: OpSendInvites, XUID: creds.XUID, Reference: ref, XUIDs: append([]string(nil), xuids...)}); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	handles := make([]string, 0, len(xuids))
	for range xuids {
		d.nextHandleID++
		handleID := "invite-" + strconv.Itoa(d.nextHandleID)
		d.handles[handleID] = ref
		handles = append(handles, handleID)
	}
	return handles, nil
}

func (d *Directory) enter(ctx context.Context, call Call) error {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	gate := d.gates[call.Operation]
	var failure error
	if queued := d.failures[call.Operation]; len(queued) > 0 {
		failure = queued[0]
		d.failures[call.Operation] = queued[1:]
	}
	intercept := d.intercept
	d.mu.Unlock()

	if failure == nil && intercept != nil {
		failure = intercept(call)
	}

	if gate != nil {
		gate.entered <- struct{}{}
		select {
		case <-gate.release:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", session.ErrDestroyed, ctx.Err())
		}
	}
	return failure
}

func (d *Directory) commit(operation string, ref session.Reference, etag string, mode transport.WriteMode, request *session.WriteRequest) (*session.Document, error) {
	d.mu.Lock()
	current := d.sessions[ref.Key()]
	switch mode {
	case transport.WriteModeSynchronized:
		if current != nil && etag != "" && etag != current.ETag {
			d.mu.Unlock()
			return nil, &session.TransportError{Operation: operation, StatusCode: 412, Err: session.ErrConflict}
		}
		if current == nil && etag != "" {
			d.mu.Unlock()
			return nil, &session.TransportError{Operation: operation, StatusCode: 404, Err: session.ErrNotFound}
		}
	case transport.WriteModeUpdateExisting:
		if current == nil {
			d.mu.Unlock()
			return nil, &session.TransportError{Operation: operation, StatusCode: 404, Err: session.ErrNotFound}
		}
	}
	next := session.ApplyWriteRequest(current, ref, request)
	next.ChangeNumber = changeNumberOf(current) + 1
	next.ETag = etagFor(next.ChangeNumber)
	if len(next.Members) == 0 && current != nil {
		delete(d.sessions, ref.Key())
	} else {
		d.sessions[ref.Key()] = next
	}
	handler := d.handler
	notify := d.NotifyOnWrite
	d.mu.Unlock()

	if notify && handler != nil {
		handler.SessionChanged(transport.Notification{Reference: ref, ChangeNumber: next.ChangeNumber})
	}
	return next.Clone(), nil
}

func changeNumberOf(doc *session.Document) uint64 {
	if doc == nil {
		return 0
	}
	return doc.ChangeNumber
}

func etagFor(changeNumber uint64) string {
	return `"` + strconv.FormatUint(changeNumber, 10) + `"`
}
