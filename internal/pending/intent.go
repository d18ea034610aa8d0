// Package pending turns queued local intents into a minimal, ordered sequence of session writes.
package pending

import (
	"github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
)

// Kind identifies a pending intent.
type Kind int

const (
	KindAddUser Kind = iota + 1
	KindJoinUser
	KindLeaveUser
	KindSetMemberProperty
	KindDeleteMemberProperty
	KindSetConnectionAddress
	KindSetSessionProperty
	KindDeleteSessionProperty
	KindSetSynchronizedProperty
	KindSetSynchronizedHost
	KindSetJoinability
)

var kindNames = map[Kind]string{
	KindAddUser:                 "add-user",
	KindJoinUser:                "join-user",
	KindLeaveUser:               "leave-user",
	KindSetMemberProperty:       "set-member-property",
	KindDeleteMemberProperty:    "delete-member-property",
	KindSetConnectionAddress:    "set-connection-address",
	KindSetSessionProperty:      "set-session-property",
	KindDeleteSessionProperty:   "delete-session-property",
	KindSetSynchronizedProperty: "set-synchronized-property",
	KindSetSynchronizedHost:     "set-synchronized-host",
	KindSetJoinability:          "set-joinability",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Synchronized reports whether the intent must read-modify-write the authoritative document.
func (k Kind) Synchronized() bool {
	switch k {
	case KindAddUser, KindJoinUser, KindLeaveUser, KindSetSynchronizedProperty, KindSetSynchronizedHost, KindSetJoinability:
		return true
	default:
		return false
	}
}

// Transition reports whether the intent moves a user into or out of the session.
func (k Kind) Transition() bool {
	return k == KindAddUser || k == KindJoinUser || k == KindLeaveUser
}

// Intent is one recorded mutation request. Context is echoed in the resulting event.
type Intent struct {
	Kind        Kind
	XUID        string
	Name        string
	Value       json.RawMessage
	Address     string
	Joinability session.Joinability
	// Reference targets an add at a specific session; zero keeps the writer's session.
	Reference session.Reference
	// HandleID is the transfer or invite handle a join goes through.
	HandleID string
	// Invited moves the user ahead of its siblings in a synchronized batch.
	Invited    bool
	Initialize bool
	Context    any
}
