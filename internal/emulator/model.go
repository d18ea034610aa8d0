package emulator

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
)

// Device maps a signed-in console user to the device token their members advertise.
type Device struct {
	XUID        string    `gorm:"column:xuid;primaryKey;size:64;not null"`
	DeviceToken string    `gorm:"column:device_token;size:190;not null;index"`
	Gamertag    string    `gorm:"column:gamertag;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing signed-in devices.
func (Device) TableName() string {
	return "emulator_devices"
}

// SessionRecord stores one session document in its wire encoding.
type SessionRecord struct {
	ServiceConfigID string    `gorm:"column:scid;primaryKey;size:190;not null"`
	TemplateName    string    `gorm:"column:template_name;primaryKey;size:190;not null"`
	SessionName     string    `gorm:"column:session_name;primaryKey;size:190;not null"`
	ChangeNumber    uint64    `gorm:"column:change_number;not null"`
	Body            string    `gorm:"column:body;type:text;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing session documents.
func (SessionRecord) TableName() string {
	return "emulator_sessions"
}

// Reference returns the session reference of the record.
func (r SessionRecord) Reference() session.Reference {
	return session.Reference{ServiceConfigID: r.ServiceConfigID, TemplateName: r.TemplateName, SessionName: r.SessionName}
}

// HandleRecord is a transfer or invite handle pointing at a session.
type HandleRecord struct {
	ID              string    `gorm:"column:handle_id;primaryKey;size:64;not null"`
	Type            string    `gorm:"column:handle_type;size:16;not null"`
	ServiceConfigID string    `gorm:"column:scid;size:190;not null;index:idx_handle_session"`
	TemplateName    string    `gorm:"column:template_name;size:190;not null;index:idx_handle_session"`
	SessionName     string    `gorm:"column:session_name;size:190;not null;index:idx_handle_session"`
	InviterXUID     string    `gorm:"column:inviter_xuid;size:64"`
	InvitedXUID     string    `gorm:"column:invited_xuid;size:64"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing handles.
func (HandleRecord) TableName() string {
	return "emulator_handles"
}

// Reference returns the session the handle points at.
func (r HandleRecord) Reference() session.Reference {
	return session.Reference{ServiceConfigID: r.ServiceConfigID, TemplateName: r.TemplateName, SessionName: r.SessionName}
}

// TicketRecord is an outstanding matchmaking ticket.
type TicketRecord struct {
	ID              string    `gorm:"column:ticket_id;primaryKey;size:64;not null"`
	ServiceConfigID string    `gorm:"column:scid;size:190;not null"`
	Hopper          string    `gorm:"column:hopper;size:190;not null;index"`
	TicketTemplate  string    `gorm:"column:ticket_template;size:190;not null"`
	TicketSession   string    `gorm:"column:ticket_session;size:190;not null"`
	SubmitterXUID   string    `gorm:"column:submitter_xuid;size:64"`
	GiveUpSeconds   int64     `gorm:"column:give_up_s;not null"`
	PreserveSession bool      `gorm:"column:preserve_session;not null"`
	AttributesJSON  string    `gorm:"column:attributes_json;type:text"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing match tickets.
func (TicketRecord) TableName() string {
	return "emulator_tickets"
}

// SessionReference returns the ticket session.
func (r TicketRecord) SessionReference() session.Reference {
	return session.Reference{ServiceConfigID: r.ServiceConfigID, TemplateName: r.TicketTemplate, SessionName: r.TicketSession}
}

// Models lists every table the emulator persists.
func Models() []any {
	return []any{&Device{}, &SessionRecord{}, &HandleRecord{}, &TicketRecord{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
