package session

import (
	"fmt"
	"strings"
)

const maxReferencePartLength = 256

// Kind identifies the logical session a document backs.
type Kind int

const (
	// KindUnknown is the zero value.
	KindUnknown Kind = iota
	// KindLobby is the persistent lobby session of the local users.
	KindLobby
	// KindGame is the game session advertised from the lobby.
	KindGame
	// KindMatch is the ticket-backed matchmaking session.
	KindMatch
)

func (k Kind) String() string {
	switch k {
	case KindLobby:
		return "lobby"
	case KindGame:
		return "game"
	case KindMatch:
		return "match"
	default:
		return "unknown"
	}
}

// Reference addresses one session document on the directory service.
type Reference struct {
	ServiceConfigID string
	TemplateName    string
	SessionName     string
}

// NewReference validates raw input and returns a Reference.
func NewReference(serviceConfigID, templateName, sessionName string) (Reference, error) {
	parts := []struct {
		label string
		value string
	}{
		{"service config id", serviceConfigID},
		{"template name", templateName},
		{"session name", sessionName},
	}
	for _, part := range parts {
		trimmed := strings.TrimSpace(part.value)
		if trimmed == "" {
			return Reference{}, fmt.Errorf("%w: empty %s", ErrInvalidArgument, part.label)
		}
		if len(trimmed) > maxReferencePartLength {
			return Reference{}, fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidArgument, part.label, maxReferencePartLength)
		}
	}
	return Reference{
		ServiceConfigID: strings.TrimSpace(serviceConfigID),
		TemplateName:    strings.TrimSpace(templateName),
		SessionName:     strings.TrimSpace(sessionName),
	}, nil
}

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool {
	return r.ServiceConfigID == "" && r.TemplateName == "" && r.SessionName == ""
}

// Equal compares references the way the directory does: case-insensitively.
func (r Reference) Equal(other Reference) bool {
	return strings.EqualFold(r.ServiceConfigID, other.ServiceConfigID) &&
		strings.EqualFold(r.TemplateName, other.TemplateName) &&
		strings.EqualFold(r.SessionName, other.SessionName)
}

// Key returns a normalized map key for the reference.
func (r Reference) Key() string {
	return strings.ToLower(r.String())
}

func (r Reference) String() string {
	return r.ServiceConfigID + "/" + r.TemplateName + "/" + r.SessionName
}
