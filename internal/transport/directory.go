// Package transport connects session writers to the session directory service and its
// change-notification stream.
package transport

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
)

// Credentials authenticate directory calls on behalf of one local user.
type Credentials struct {
	XUID        string
	DeviceToken string
	Token       string
}

// WriteMode selects the precondition applied to a session write.
type WriteMode int

const (
	// WriteModeCreateOrUpdate writes blind, creating the session when absent.
	WriteModeCreateOrUpdate WriteMode = iota
	// WriteModeUpdateExisting fails with session.ErrNotFound when the session does not exist.
	WriteModeUpdateExisting
	// WriteModeSynchronized fails with session.ErrConflict unless the document ETag still matches.
	WriteModeSynchronized
)

func (m WriteMode) String() string {
	switch m {
	case WriteModeCreateOrUpdate:
		return "create-or-update"
	case WriteModeUpdateExisting:
		return "update-existing"
	case WriteModeSynchronized:
		return "synchronized"
	default:
		return "unknown"
	}
}

// TicketRequest submits a matchmaking ticket for the members of Session.
type TicketRequest struct {
	Session         session.Reference
	Hopper          string
	Attributes      json.RawMessage
	Timeout         time.Duration
	PreserveSession bool
}

// Ticket is the directory's answer to a ticket submission.
type Ticket struct {
	ID            string
	EstimatedWait time.Duration
}

// Directory is the session directory API.
type Directory interface {
	WriteSession(ctx context.Context, creds Credentials, doc *session.Document, mode WriteMode) (*session.Document, error)
	WriteSessionByHandle(ctx context.Context, creds Credentials, doc *session.Document, handleID string) (*session.Document, error)
	GetSession(ctx context.Context, creds Credentials, ref session.Reference) (*session.Document, error)
	CreateTransferHandle(ctx context.Context, creds Credentials, ref session.Reference) (string, error)
	CreateMatchTicket(ctx context.Context, creds Credentials, request TicketRequest) (Ticket, error)
	DeleteMatchTicket(ctx context.Context, creds Credentials, serviceConfigID, hopper, ticketID string) error
	SendInvites(ctx context.Context, creds Credentials, ref session.Reference, xuids []string) ([]string, error)
}

// Notification is a change notification ("shoulder tap") for one session.
type Notification struct {
	Reference    session.Reference
	ChangeNumber uint64
}

// NotificationHandler receives the push channel's signals.
type NotificationHandler interface {
	SessionChanged(notification Notification)
	Resync()
	SubscriptionsLost()
}
