package users

import (
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
)

// LobbyState tracks a local user's lobby lifecycle.
type LobbyState int

const (
	LobbyStateUnknown LobbyState = iota
	LobbyStateAdd
	LobbyStateJoin
	LobbyStateInSession
	LobbyStateLeave
	LobbyStateRemove
)

func (s LobbyState) String() string {
	switch s {
	case LobbyStateAdd:
		return "add"
	case LobbyStateJoin:
		return "join"
	case LobbyStateInSession:
		return "in-session"
	case LobbyStateLeave:
		return "leave"
	case LobbyStateRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// GameState tracks a local user's game lifecycle.
type GameState int

const (
	GameStateUnknown GameState = iota
	GameStatePendingJoin
	GameStateJoin
	GameStateInSession
	GameStateLeave
)

func (s GameState) String() string {
	switch s {
	case GameStatePendingJoin:
		return "pending-join"
	case GameStateJoin:
		return "join"
	case GameStateInSession:
		return "in-session"
	case GameStateLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// LocalUser is a signed-in user on this device.
type LocalUser struct {
	XUID              string
	Gamertag          string
	Credentials       transport.Credentials
	ConnectionAddress string
	LobbyState        LobbyState
	GameState         GameState
	Primary           bool
	MarkedForRemoval  bool
	InviteHandle      string
	Context           any
}

// DeviceToken returns the device token the user's credentials were issued for.
func (u LocalUser) DeviceToken() string {
	return u.Credentials.DeviceToken
}
