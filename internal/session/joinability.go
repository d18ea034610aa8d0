package session

import (
	"fmt"
	"strings"
)

// Joinability controls who may join the lobby.
type Joinability int

const (
	// JoinabilityNone means the lobby has not published a joinability marker.
	JoinabilityNone Joinability = iota
	// JoinabilityJoinableByFriends lets followed users join.
	JoinabilityJoinableByFriends
	// JoinabilityInviteOnly restricts joins to invited users.
	JoinabilityInviteOnly
	// JoinabilityDisableWhileGameInProgress closes the lobby while a game is advertised.
	JoinabilityDisableWhileGameInProgress
	// JoinabilityClosed closes the lobby.
	JoinabilityClosed
)

var joinabilityNames = map[Joinability]string{
	JoinabilityNone:                       "none",
	JoinabilityJoinableByFriends:          "joinableByFriends",
	JoinabilityInviteOnly:                 "inviteOnly",
	JoinabilityDisableWhileGameInProgress: "disableWhileGameInProgress",
	JoinabilityClosed:                     "closed",
}

func (j Joinability) String() string {
	if name, ok := joinabilityNames[j]; ok {
		return name
	}
	return "unknown"
}

// JoinRestriction maps the joinability marker onto the directory's system join restriction.
func (j Joinability) JoinRestriction() string {
	switch j {
	case JoinabilityJoinableByFriends:
		return "followed"
	case JoinabilityInviteOnly, JoinabilityDisableWhileGameInProgress, JoinabilityClosed:
		return "local"
	default:
		return ""
	}
}

// ParseJoinability converts a marker name into a Joinability.
func ParseJoinability(rawInput string) (Joinability, error) {
	trimmed := strings.TrimSpace(rawInput)
	for value, name := range joinabilityNames {
		if strings.EqualFold(name, trimmed) {
			return value, nil
		}
	}
	return JoinabilityNone, fmt.Errorf("%w: unknown joinability %q", ErrInvalidArgument, rawInput)
}
