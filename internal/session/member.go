package session

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

const maxXUIDLength = 64

// MemberStatus reports a member's presence in the session.
type MemberStatus int

const (
	// MemberStatusReserved marks a slot reserved for a member who has not joined yet.
	MemberStatusReserved MemberStatus = iota + 1
	// MemberStatusInactive marks a joined member that is not active.
	MemberStatusInactive
	// MemberStatusReady marks a member that is ready.
	MemberStatusReady
	// MemberStatusActive marks an active member.
	MemberStatusActive
)

func (s MemberStatus) String() string {
	switch s {
	case MemberStatusReserved:
		return "reserved"
	case MemberStatusInactive:
		return "inactive"
	case MemberStatusReady:
		return "ready"
	case MemberStatusActive:
		return "active"
	default:
		return "unknown"
	}
}

// NewXUID validates a user identifier.
func NewXUID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty xuid", ErrInvalidArgument)
	}
	if len(trimmed) > maxXUIDLength {
		return "", fmt.Errorf("%w: xuid exceeds %d characters", ErrInvalidArgument, maxXUIDLength)
	}
	return trimmed, nil
}

// Member is one entry of a session's member list.
type Member struct {
	Index                 int
	XUID                  string
	Gamertag              string
	DeviceToken           string
	Status                MemberStatus
	ConnectionAddress     string
	SubscriptionID        string
	Custom                Properties
	InitializationEpisode int
	InitializationFailure string
	QosMeasurements       json.RawMessage
}

// Clone returns a copy of the member with an independent property map.
func (m Member) Clone() Member {
	clone := m
	clone.Custom = m.Custom.Clone()
	return clone
}

// IsLocalTo reports whether the member shares the given device token.
func (m Member) IsLocalTo(deviceToken string) bool {
	return deviceToken != "" && strings.EqualFold(m.DeviceToken, deviceToken)
}
