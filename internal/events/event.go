// Package events defines the domain events surfaced to the application and the ordered queue
// they are collected in between ticks.
package events

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
)

// Type identifies an event.
type Type int

const (
	TypeUnknown Type = iota
	TypeUserAdded
	TypeUserRemoved
	TypeMemberJoined
	TypeMemberLeft
	TypeMemberPropertyChanged
	TypeLocalMemberPropertyWriteCompleted
	TypeLocalMemberConnectionAddressWriteCompleted
	TypeSessionPropertyChanged
	TypeSessionPropertyWriteCompleted
	TypeSessionSynchronizedPropertyWriteCompleted
	TypeHostChanged
	TypeSynchronizedHostWriteCompleted
	TypeJoinabilityStateChanged
	TypePerformQosMeasurements
	TypeFindMatchCompleted
	TypeJoinGameCompleted
	TypeLeaveGameCompleted
	TypeJoinLobbyCompleted
	TypeInviteSent
	TypeClientDisconnected
	TypeTournamentRegistrationStateChanged
	TypeTournamentGameSessionReady
	TypeArbitrationComplete
)

var typeNames = map[Type]string{
	TypeUserAdded:                                  "user-added",
	TypeUserRemoved:                                "user-removed",
	TypeMemberJoined:                               "member-joined",
	TypeMemberLeft:                                 "member-left",
	TypeMemberPropertyChanged:                      "member-property-changed",
	TypeLocalMemberPropertyWriteCompleted:          "local-member-property-write-completed",
	TypeLocalMemberConnectionAddressWriteCompleted: "local-member-connection-address-write-completed",
	TypeSessionPropertyChanged:                     "session-property-changed",
	TypeSessionPropertyWriteCompleted:              "session-property-write-completed",
	TypeSessionSynchronizedPropertyWriteCompleted:  "session-synchronized-property-write-completed",
	TypeHostChanged:                                "host-changed",
	TypeSynchronizedHostWriteCompleted:             "synchronized-host-write-completed",
	TypeJoinabilityStateChanged:                    "joinability-state-changed",
	TypePerformQosMeasurements:                     "perform-qos-measurements",
	TypeFindMatchCompleted:                         "find-match-completed",
	TypeJoinGameCompleted:                          "join-game-completed",
	TypeLeaveGameCompleted:                         "leave-game-completed",
	TypeJoinLobbyCompleted:                         "join-lobby-completed",
	TypeInviteSent:                                 "invite-sent",
	TypeClientDisconnected:                         "client-disconnected",
	TypeTournamentRegistrationStateChanged:         "tournament-registration-state-changed",
	TypeTournamentGameSessionReady:                 "tournament-game-session-ready",
	TypeArbitrationComplete:                        "arbitration-complete",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Event is one immutable domain event. Err carries the operation result; Context echoes the
// opaque token supplied with the originating call.
type Event struct {
	Type        Type
	SessionKind session.Kind
	Err         error
	Payload     Payload
	Context     any
}

// Succeeded reports whether the event carries no error.
func (e Event) Succeeded() bool {
	return e.Err == nil
}

func (e Event) String() string {
	description := fmt.Sprintf("%s[%s]", e.Type, e.SessionKind)
	if detail := Describe(e.Payload); detail != "" {
		description += " " + detail
	}
	if e.Err != nil {
		description += " err=" + e.Err.Error()
	}
	return description
}

// Payload is implemented only by the payload types of this package.
type Payload interface {
	isPayload()
}

// UserAdded reports the outcome of adding a local user to the lobby.
type UserAdded struct {
	XUID string
}

// UserRemoved reports the outcome of removing a local user.
type UserRemoved struct {
	XUID string
}

// MemberJoined lists members that appeared in a session since the previous tick.
type MemberJoined struct {
	XUIDs []string
}

// MemberLeft lists members that disappeared from a session since the previous tick.
type MemberLeft struct {
	XUIDs []string
}

// MemberPropertyChanged carries a remote member's full custom properties.
type MemberPropertyChanged struct {
	XUID       string
	Properties session.Properties
}

// LocalMemberWriteCompleted completes a local member property or connection address write.
type LocalMemberWriteCompleted struct {
	XUID string
}

// SessionPropertyChanged carries the session's full custom properties.
type SessionPropertyChanged struct {
	Properties session.Properties
}

// SessionWriteCompleted completes a session property or host write.
type SessionWriteCompleted struct {
	XUID string
}

// HostChanged reports the new host; Present is false when the session has no host.
type HostChanged struct {
	Host    session.Member
	Present bool
}

// JoinabilityStateChanged reports the lobby joinability marker.
type JoinabilityStateChanged struct {
	Joinability session.Joinability
}

// PerformQosMeasurements lists the remote connection addresses to measure, keyed by device token.
type PerformQosMeasurements struct {
	Addresses map[string]string
}

// FindMatchCompleted ends a matchmaking episode. InitializationFailure is set when the
// episode ended because QoS initialization failed.
type FindMatchCompleted struct {
	Status                session.MatchStatus
	InitializationFailure string
}

// JoinGameCompleted reports the outcome of joining a game session.
type JoinGameCompleted struct {
	XUID      string
	Reference session.Reference
}

// LeaveGameCompleted reports the outcome of leaving the game session.
type LeaveGameCompleted struct {
	XUID string
}

// JoinLobbyCompleted reports the outcome of joining a lobby by handle.
type JoinLobbyCompleted struct {
	XUID      string
	Reference session.Reference
}

// InviteSent reports invites delivered to remote users.
type InviteSent struct {
	XUIDs   []string
	Handles []string
}

// ClientDisconnected is emitted once after the last local user left or notifications were lost.
type ClientDisconnected struct{}

// TournamentRegistrationStateChanged forwards the tournament server block state.
type TournamentRegistrationStateChanged struct {
	State  string
	Reason string
}

// TournamentGameSessionReady reports the next tournament game session.
type TournamentGameSessionReady struct {
	Reference session.Reference
}

// ArbitrationComplete forwards the arbitration result.
type ArbitrationComplete struct {
	Status string
	Result json.RawMessage
}

func (UserAdded) isPayload()                          {}
func (UserRemoved) isPayload()                        {}
func (MemberJoined) isPayload()                       {}
func (MemberLeft) isPayload()                         {}
func (MemberPropertyChanged) isPayload()              {}
func (LocalMemberWriteCompleted) isPayload()          {}
func (SessionPropertyChanged) isPayload()             {}
func (SessionWriteCompleted) isPayload()              {}
func (HostChanged) isPayload()                        {}
func (JoinabilityStateChanged) isPayload()            {}
func (PerformQosMeasurements) isPayload()             {}
func (FindMatchCompleted) isPayload()                 {}
func (JoinGameCompleted) isPayload()                  {}
func (LeaveGameCompleted) isPayload()                 {}
func (JoinLobbyCompleted) isPayload()                 {}
func (InviteSent) isPayload()                         {}
func (ClientDisconnected) isPayload()                 {}
func (TournamentRegistrationStateChanged) isPayload() {}
func (TournamentGameSessionReady) isPayload()         {}
func (ArbitrationComplete) isPayload()                {}

// Describe renders a payload for logs.
func Describe(payload Payload) string {
	switch p := payload.(type) {
	case nil:
		return ""
	case UserAdded:
		return "xuid=" + p.XUID
	case UserRemoved:
		return "xuid=" + p.XUID
	case MemberJoined:
		return fmt.Sprintf("xuids=%v", p.XUIDs)
	case MemberLeft:
		return fmt.Sprintf("xuids=%v", p.XUIDs)
	case MemberPropertyChanged:
		return fmt.Sprintf("xuid=%s properties=%v", p.XUID, p.Properties.Names())
	case LocalMemberWriteCompleted:
		return "xuid=" + p.XUID
	case SessionPropertyChanged:
		return fmt.Sprintf("properties=%v", p.Properties.Names())
	case SessionWriteCompleted:
		return "xuid=" + p.XUID
	case HostChanged:
		if !p.Present {
			return "host=none"
		}
		return "host=" + p.Host.XUID
	case JoinabilityStateChanged:
		return "joinability=" + p.Joinability.String()
	case PerformQosMeasurements:
		return fmt.Sprintf("devices=%d", len(p.Addresses))
	case FindMatchCompleted:
		if p.InitializationFailure != "" {
			return fmt.Sprintf("status=%s failure=%s", p.Status, p.InitializationFailure)
		}
		return fmt.Sprintf("status=%s", p.Status)
	case JoinGameCompleted:
		return fmt.Sprintf("xuid=%s session=%s", p.XUID, p.Reference)
	case LeaveGameCompleted:
		return "xuid=" + p.XUID
	case JoinLobbyCompleted:
		return fmt.Sprintf("xuid=%s session=%s", p.XUID, p.Reference)
	case InviteSent:
		return fmt.Sprintf("xuids=%v", p.XUIDs)
	case ClientDisconnected:
		return ""
	case TournamentRegistrationStateChanged:
		return fmt.Sprintf("state=%s reason=%s", p.State, p.Reason)
	case TournamentGameSessionReady:
		return "session=" + p.Reference.String()
	case ArbitrationComplete:
		return "status=" + p.Status
	default:
		return fmt.Sprintf("%T", payload)
	}
}
