package transport

import (
	"net/url"

	"github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
)

// Server-sent event names of the notification stream.
const (
	EventConnected     = "connected"
	EventSessionChange = "session-change"
	EventResync        = "resync"
	EventHeartbeat     = "heartbeat"
)

// Handle types accepted by the handles endpoint.
const (
	HandleTypeTransfer = "transfer"
	HandleTypeInvite   = "invite"
)

// HeaderETag and HeaderIfMatch carry the concurrency token.
const (
	HeaderETag    = "ETag"
	HeaderIfMatch = "If-Match"
)

// ReferenceBody is the wire form of a session reference.
type ReferenceBody struct {
	SCID         string `json:"scid"`
	TemplateName string `json:"templateName"`
	Name         string `json:"name"`
}

// NewReferenceBody converts ref to its wire form.
func NewReferenceBody(ref session.Reference) ReferenceBody {
	return ReferenceBody{SCID: ref.ServiceConfigID, TemplateName: ref.TemplateName, Name: ref.SessionName}
}

// Reference converts the body back into a session reference.
func (b ReferenceBody) Reference() session.Reference {
	return session.Reference{ServiceConfigID: b.SCID, TemplateName: b.TemplateName, SessionName: b.Name}
}

// HandleBody requests a transfer or invite handle.
type HandleBody struct {
	Type        string        `json:"type"`
	SessionRef  ReferenceBody `json:"sessionRef"`
	InvitedXUID string        `json:"invitedXuid,omitempty"`
}

// HandleResult is the created handle.
type HandleResult struct {
	ID string `json:"id"`
}

// TicketBody submits a matchmaking ticket.
type TicketBody struct {
	TicketSessionRef ReferenceBody   `json:"ticketSessionRef"`
	GiveUpDuration   int64           `json:"giveUpDuration"`
	PreserveSession  bool            `json:"preserveSession"`
	TicketAttributes json.RawMessage `json:"ticketAttributes,omitempty"`
}

// TicketResult is the ticket creation response; WaitTime is in seconds.
type TicketResult struct {
	TicketID string `json:"ticketId"`
	WaitTime int64  `json:"waitTime"`
}

// NotificationBody is the data of a session-change event.
type NotificationBody struct {
	SessionRef   ReferenceBody `json:"sessionRef"`
	ChangeNumber uint64        `json:"changeNumber"`
}

// ConnectedBody is the data of the first event of a notification stream.
type ConnectedBody struct {
	ConnectionID string `json:"connectionId"`
}

// ErrorBody is the error payload returned by the directory.
type ErrorBody struct {
	Error string `json:"error"`
}

// SessionPath returns the resource path of ref.
func SessionPath(ref session.Reference) string {
	return "/serviceconfigs/" + url.PathEscape(ref.ServiceConfigID) +
		"/sessiontemplates/" + url.PathEscape(ref.TemplateName) +
		"/sessions/" + url.PathEscape(ref.SessionName)
}

// HandleSessionPath returns the resource path used to join through a handle.
func HandleSessionPath(handleID string) string {
	return "/handles/" + url.PathEscape(handleID) + "/session"
}

// HopperPath returns the ticket collection of a hopper.
func HopperPath(serviceConfigID, hopper string) string {
	return "/serviceconfigs/" + url.PathEscape(serviceConfigID) + "/hoppers/" + url.PathEscape(hopper)
}

// TicketPath returns the resource path of one ticket.
func TicketPath(serviceConfigID, hopper, ticketID string) string {
	return HopperPath(serviceConfigID, hopper) + "/tickets/" + url.PathEscape(ticketID)
}

const (
	handlesPath       = "/handles"
	notificationsPath = "/notifications"
)

// HandlesPath is the handle collection.
func HandlesPath() string {
	return handlesPath
}

// NotificationsPath is the server-sent events stream.
func NotificationsPath() string {
	return notificationsPath
}
