package session

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestCompareSkipsEqualChangeNumbers(t *testing.T) {
	prev := mustDecode(t, lobbyFixture)
	next := prev.Clone()
	next.SetHostDeviceToken("device-b")
	next.LeaveMember("2814600000000002")

	if changes := Compare(prev, next); changes != 0 {
		t.Fatalf("expected no changes for equal change numbers, got %b", changes)
	}
	if changes := Compare(nil, next); changes != 0 {
		t.Fatalf("expected no changes without a previous snapshot, got %b", changes)
	}
}

func TestCompareDetectsChangeTypes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(doc *Document)
		want   ChangeType
	}{
		{
			name:   "host",
			mutate: func(doc *Document) { doc.SetHostDeviceToken("device-b") },
			want:   ChangeHost,
		},
		{
			name:   "member-left",
			mutate: func(doc *Document) { doc.LeaveMember("2814600000000002") },
			want:   ChangeMemberList,
		},
		{
			name:   "session-property",
			mutate: func(doc *Document) { doc.SetCustomProperty("GameMode", json.RawMessage(`"ctf"`)) },
			want:   ChangeSessionProperty,
		},
		{
			name:   "transfer-handle-only",
			mutate: func(doc *Document) { doc.DeleteCustomProperty(PropertyTransferHandle) },
			want:   ChangeTransferHandle,
		},
		{
			name:   "joinability-only",
			mutate: func(doc *Document) { doc.SetCustomProperty(PropertyJoinability, json.RawMessage(`"inviteOnly"`)) },
			want:   ChangeJoinability,
		},
		{
			name: "member-property",
			mutate: func(doc *Document) {
				doc.SetMemberCustomProperty("2814600000000002", "Health", json.RawMessage(`10`))
			},
			want: ChangeMemberProperty,
		},
		{
			name:   "matchmaking",
			mutate: func(doc *Document) { doc.Matchmaking.Status = MatchmakingStatusExpired },
			want:   ChangeMatchmakingStatus,
		},
		{
			name:   "tournament",
			mutate: func(doc *Document) { doc.Tournament = &TournamentServer{RegistrationState: "registered"} },
			want:   ChangeTournament,
		},
		{
			name:   "arbitration",
			mutate: func(doc *Document) { doc.Arbitration = &ArbitrationServer{Status: "complete"} },
			want:   ChangeArbitration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := mustDecode(t, lobbyFixture)
			next := prev.Clone()
			next.ChangeNumber = prev.ChangeNumber + 1
			tt.mutate(next)

			got := Compare(prev, next)
			if got != tt.want {
				t.Fatalf("expected change mask %b, got %b", tt.want, got)
			}
		})
	}
}
