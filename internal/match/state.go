// Package match drives a matchmaking ticket from submission to a joined, initialized game
// session, reporting exactly one find-match-completed event per episode.
package match

import (
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
)

const defaultPollInterval = 120 * time.Second

var (
	// ErrMatchTimeout is the cause of a failed episode whose deadline elapsed unresolved.
	ErrMatchTimeout = errors.New("match: matchmaking timed out")
	// ErrInitializationFailed is the cause of an episode ended by QoS initialization.
	ErrInitializationFailed = errors.New("match: session initialization failed")
	// ErrInvalidConfig indicates a Config that cannot produce a client.
	ErrInvalidConfig    = errors.New("match: invalid config")
	errMissingDirectory = errors.New("directory dependency required")
	errMissingUsers     = errors.New("user registry dependency required")
	errMissingEvents    = errors.New("event queue dependency required")
	errMissingGame      = errors.New("game session dependency required")
	errMatchInProgress  = errors.New("matchmaking already in progress")
	errNoLocalUser      = errors.New("no local user")
)

// State is a point-in-time view of the matchmaking episode.
type State struct {
	Hopper          string
	Attributes      json.RawMessage
	Timeout         time.Duration
	TicketID        string
	Status          session.MatchStatus
	EstimatedWait   time.Duration
	PreserveSession bool
	TicketSession   session.Reference
	Target          session.Reference
	Episode         int
}

// Request describes a FindMatch call.
type Request struct {
	Hopper          string
	Attributes      json.RawMessage
	Timeout         time.Duration
	PreserveSession bool
}

// polling reports whether the status is resolved by refetching a session.
func polling(status session.MatchStatus) bool {
	switch status {
	case session.MatchStatusSearching,
		session.MatchStatusWaitingForJoin,
		session.MatchStatusMeasuring,
		session.MatchStatusWaitingForQosUpload,
		session.MatchStatusEvaluating:
		return true
	default:
		return false
	}
}

// resolvingTarget reports whether the status waits on the target session's initialization.
func resolvingTarget(status session.MatchStatus) bool {
	switch status {
	case session.MatchStatusJoining,
		session.MatchStatusWaitingForJoin,
		session.MatchStatusMeasuring,
		session.MatchStatusWaitingForQosUpload,
		session.MatchStatusEvaluating:
		return true
	default:
		return false
	}
}
