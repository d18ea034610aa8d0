package session

// MatchStatus is the client-side matchmaking status reported to the application.
type MatchStatus string

const (
	MatchStatusNone                MatchStatus = "none"
	MatchStatusSubmittingTicket    MatchStatus = "submitting-ticket"
	MatchStatusSearching           MatchStatus = "searching"
	MatchStatusFound               MatchStatus = "found"
	MatchStatusJoining             MatchStatus = "joining"
	MatchStatusWaitingForJoin      MatchStatus = "waiting-for-join"
	MatchStatusMeasuring           MatchStatus = "measuring"
	MatchStatusWaitingForQosUpload MatchStatus = "waiting-for-qos-upload"
	MatchStatusEvaluating          MatchStatus = "evaluating"
	MatchStatusCompleted           MatchStatus = "completed"
	MatchStatusFailed              MatchStatus = "failed"
	MatchStatusExpired             MatchStatus = "expired"
	MatchStatusCanceling           MatchStatus = "canceling"
	MatchStatusCanceled            MatchStatus = "canceled"
	MatchStatusResubmitting        MatchStatus = "resubmitting"
)

// Terminal reports whether the status ends a matchmaking episode.
func (s MatchStatus) Terminal() bool {
	switch s {
	case MatchStatusCompleted, MatchStatusFailed, MatchStatusExpired, MatchStatusCanceled, MatchStatusResubmitting:
		return true
	default:
		return false
	}
}

// Active reports whether a ticket is outstanding or being resolved.
func (s MatchStatus) Active() bool {
	return s != "" && s != MatchStatusNone && !s.Terminal()
}
