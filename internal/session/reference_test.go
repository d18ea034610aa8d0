package session

import (
	"errors"
	"strings"
	"testing"
)

func TestNewReferenceValidation(t *testing.T) {
	tests := []struct {
		name     string
		scid     string
		template string
		session  string
		wantErr  bool
	}{
		{name: "valid", scid: "scid", template: "LobbySession", session: "abc"},
		{name: "trimmed", scid: " scid ", template: "LobbySession", session: " abc "},
		{name: "empty-scid", template: "LobbySession", session: "abc", wantErr: true},
		{name: "empty-template", scid: "scid", session: "abc", wantErr: true},
		{name: "too-long", scid: "scid", template: "LobbySession", session: strings.Repeat("a", 300), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := NewReference(tt.scid, tt.template, tt.session)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Fatalf("expected invalid argument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ref.String() != "scid/LobbySession/abc" {
				t.Fatalf("unexpected reference %s", ref)
			}
		})
	}
}

func TestReferenceEqualIgnoresCase(t *testing.T) {
	left := Reference{ServiceConfigID: "SCID", TemplateName: "Lobby", SessionName: "Name"}
	right := Reference{ServiceConfigID: "scid", TemplateName: "lobby", SessionName: "name"}
	if !left.Equal(right) || left.Key() != right.Key() {
		t.Fatalf("expected case-insensitive equality")
	}
	if left.Equal(Reference{}) || !(Reference{}).IsZero() {
		t.Fatalf("unexpected zero handling")
	}
}

func TestJoinabilityMapping(t *testing.T) {
	for _, value := range []Joinability{
		JoinabilityNone,
		JoinabilityJoinableByFriends,
		JoinabilityInviteOnly,
		JoinabilityDisableWhileGameInProgress,
		JoinabilityClosed,
	} {
		parsed, err := ParseJoinability(value.String())
		if err != nil || parsed != value {
			t.Fatalf("failed to parse %s: %v", value, err)
		}
	}
	if JoinabilityJoinableByFriends.JoinRestriction() != "followed" {
		t.Fatalf("friends joinability should map to followed")
	}
	if JoinabilityClosed.JoinRestriction() != "local" {
		t.Fatalf("closed joinability should map to local")
	}
	if _, err := ParseJoinability("bogus"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestTransportErrorUnwrapsSentinel(t *testing.T) {
	err := error(&TransportError{Operation: "write", StatusCode: 412, Err: ErrConflict})
	if !errors.Is(err, ErrConflict) || !IsRecoverable(err) {
		t.Fatalf("expected conflict to be recoverable")
	}
	if IsRecoverable(&TransportError{Operation: "write", StatusCode: 500}) {
		t.Fatalf("server errors must not be recoverable")
	}
}

func TestNewPropertyValueRequiresJSON(t *testing.T) {
	if _, err := NewPropertyValue(`{"a":1}`); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := NewPropertyValue(`{not json`); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := NewXUID(""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid xuid")
	}
}
