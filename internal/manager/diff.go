package manager

import (
	"sort"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/events"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
)

// synthesize turns the difference between two snapshots of one session into domain events.
// isLocal excludes local members from member-property events; their own writes already
// produced completion events.
func synthesize(kind session.Kind, prev, next *session.Document, isLocal func(xuid string) bool) (session.ChangeType, []events.Event) {
	changes := session.Compare(prev, next)
	if changes == 0 {
		return 0, nil
	}
	var synthesized []events.Event
	push := func(eventType events.Type, payload events.Payload) {
		synthesized = append(synthesized, events.Event{Type: eventType, SessionKind: kind, Payload: payload})
	}

	if changes.Has(session.ChangeMemberList) {
		joined, left := memberDelta(prev, next)
		if len(joined) > 0 {
			push(events.TypeMemberJoined, events.MemberJoined{XUIDs: joined})
		}
		if len(left) > 0 {
			push(events.TypeMemberLeft, events.MemberLeft{XUIDs: left})
		}
	}
	if changes.Has(session.ChangeMemberProperty) {
		for _, member := range next.Members {
			previous, ok := prev.Member(member.XUID)
			if !ok || isLocal(member.XUID) || previous.Custom.Equal(member.Custom) {
				continue
			}
			push(events.TypeMemberPropertyChanged, events.MemberPropertyChanged{
				XUID:       member.XUID,
				Properties: member.Custom.Clone(),
			})
		}
	}
	if changes.Has(session.ChangeSessionProperty) {
		push(events.TypeSessionPropertyChanged, events.SessionPropertyChanged{Properties: next.Custom.Clone()})
	}
	if changes.Has(session.ChangeJoinability) && kind == session.KindLobby {
		joinability, _ := session.ParseJoinability(next.Custom.String(session.PropertyJoinability))
		push(events.TypeJoinabilityStateChanged, events.JoinabilityStateChanged{Joinability: joinability})
	}
	if changes.Has(session.ChangeHost) {
		host, present := next.Host()
		push(events.TypeHostChanged, events.HostChanged{Host: host, Present: present})
	}
	if changes.Has(session.ChangeTournament) && next.Tournament != nil {
		tournament := next.Tournament
		if prev.Tournament == nil ||
			prev.Tournament.RegistrationState != tournament.RegistrationState ||
			prev.Tournament.RegistrationReason != tournament.RegistrationReason {
			push(events.TypeTournamentRegistrationStateChanged, events.TournamentRegistrationStateChanged{
				State:  tournament.RegistrationState,
				Reason: tournament.RegistrationReason,
			})
		}
		if nextGameChanged(prev, next) {
			push(events.TypeTournamentGameSessionReady, events.TournamentGameSessionReady{Reference: tournament.NextGameSession})
		}
	}
	if changes.Has(session.ChangeArbitration) && next.Arbitration != nil {
		push(events.TypeArbitrationComplete, events.ArbitrationComplete{
			Status: next.Arbitration.Status,
			Result: next.Arbitration.Result,
		})
	}
	return changes, synthesized
}

// memberDelta keys both snapshots by xuid and returns ids present only in next and only in prev.
func memberDelta(prev, next *session.Document) (joined, left []string) {
	for _, member := range next.Members {
		if _, ok := prev.Member(member.XUID); !ok {
			joined = append(joined, member.XUID)
		}
	}
	for _, member := range prev.Members {
		if _, ok := next.Member(member.XUID); !ok {
			left = append(left, member.XUID)
		}
	}
	sort.Strings(joined)
	sort.Strings(left)
	return joined, left
}

func nextGameChanged(prev, next *session.Document) bool {
	if next.Tournament == nil || next.Tournament.NextGameSession.IsZero() {
		return false
	}
	if prev.Tournament == nil {
		return true
	}
	return !prev.Tournament.NextGameSession.Equal(next.Tournament.NextGameSession)
}

// lastGameResultChanged reports a new tournament game result.
func lastGameResultChanged(prev, next *session.Document) bool {
	if next == nil || next.Tournament == nil {
		return false
	}
	if prev == nil || prev.Tournament == nil {
		return next.Tournament.LastGameResult != ""
	}
	return prev.Tournament.LastGameResult != next.Tournament.LastGameResult
}
