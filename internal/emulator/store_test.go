package emulator

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
)

func TestNewStoreRequiresDatabase(t *testing.T) {
	_, err := NewStore(StoreConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "emulator.store.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestStoreWriteSessionPreconditions(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()
	ref := mustReference(t, "LobbySession", "lobby-1")

	_, err := store.WriteSession(ctx, ref, transport.WriteModeUpdateExisting, "", joinRequest(ref, "1", "device-a", ""))
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected not found for update-existing on a missing session, got %v", err)
	}

	created, err := store.WriteSession(ctx, ref, transport.WriteModeCreateOrUpdate, "", joinRequest(ref, "1", "device-a", ""))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Document.ChangeNumber != 1 || created.Document.ETag != `"1"` {
		t.Fatalf("unexpected first version: change=%d etag=%s", created.Document.ChangeNumber, created.Document.ETag)
	}

	_, err = store.WriteSession(ctx, ref, transport.WriteModeSynchronized, `"7"`, joinRequest(ref, "2", "device-b", ""))
	if !errors.Is(err, session.ErrConflict) {
		t.Fatalf("expected conflict for a stale etag, got %v", err)
	}

	updated, err := store.WriteSession(ctx, ref, transport.WriteModeSynchronized, created.Document.ETag, joinRequest(ref, "2", "device-b", ""))
	if err != nil {
		t.Fatalf("synchronized write failed: %v", err)
	}
	if updated.Document.ChangeNumber != 2 || len(updated.Document.Members) != 2 {
		t.Fatalf("unexpected second version: change=%d members=%d", updated.Document.ChangeNumber, len(updated.Document.Members))
	}

	loaded, err := store.GetSession(ctx, ref)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.ETag != `"2"` {
		t.Fatalf("expected stored etag \"2\", got %s", loaded.ETag)
	}
	if _, ok := loaded.Member("2"); !ok {
		t.Fatalf("expected member 2 to be persisted")
	}
}

func TestStoreDeletesEmptySessionWithHandles(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()
	ref := mustReference(t, "GameSession", "game-1")

	if _, err := store.WriteSession(ctx, ref, transport.WriteModeCreateOrUpdate, "", joinRequest(ref, "1", "device-a", "conn-a")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	handle, err := store.CreateHandle(ctx, transport.HandleTypeTransfer, ref, "1", "")
	if err != nil {
		t.Fatalf("create handle failed: %v", err)
	}

	change, err := store.WriteSession(ctx, ref, transport.WriteModeUpdateExisting, "", leaveRequest(ref, "1"))
	if err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if !change.Deleted {
		t.Fatalf("expected the empty session to be deleted")
	}
	if len(change.Subscriptions) != 1 || change.Subscriptions[0] != "conn-a" {
		t.Fatalf("expected the departing member to be notified, got %v", change.Subscriptions)
	}
	if _, err := store.GetSession(ctx, ref); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected deleted session to be gone, got %v", err)
	}
	if _, err := store.ResolveHandle(ctx, handle.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected handle to be removed with its session, got %v", err)
	}
}

func TestStoreHandles(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()
	ref := mustReference(t, "LobbySession", "lobby-2")

	if _, err := store.CreateHandle(ctx, transport.HandleTypeTransfer, ref, "1", ""); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected handle for a missing session to fail with not found, got %v", err)
	}
	if _, err := store.WriteSession(ctx, ref, transport.WriteModeCreateOrUpdate, "", joinRequest(ref, "1", "device-a", "")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	testCases := []struct {
		name       string
		handleType string
		invited    string
	}{
		{name: "unknown type", handleType: "search"},
		{name: "invite without invitee", handleType: transport.HandleTypeInvite, invited: "  "},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := store.CreateHandle(ctx, testCase.handleType, ref, "1", testCase.invited); !errors.Is(err, session.ErrInvalidArgument) {
				t.Fatalf("expected invalid argument, got %v", err)
			}
		})
	}

	invite, err := store.CreateHandle(ctx, transport.HandleTypeInvite, ref, "1", "2")
	if err != nil {
		t.Fatalf("create invite failed: %v", err)
	}
	resolved, err := store.ResolveHandle(ctx, invite.ID)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolved.Reference().Equal(ref) || resolved.InvitedXUID != "2" {
		t.Fatalf("unexpected handle: %+v", resolved)
	}

	change, err := store.WriteSessionByHandle(ctx, invite.ID, joinRequest(ref, "2", "device-b", ""))
	if err != nil {
		t.Fatalf("join by handle failed: %v", err)
	}
	if len(change.Document.Members) != 2 {
		t.Fatalf("expected two members after join by handle, got %d", len(change.Document.Members))
	}
}

func TestStoreTicketLifecycle(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()
	ticketRef := mustReference(t, "MatchTicket", "ticket-1")
	targetRef := mustReference(t, "MatchSession", "match-1")

	if _, err := store.WriteSession(ctx, ticketRef, transport.WriteModeCreateOrUpdate, "", joinRequest(ticketRef, "1", "device-a", "conn-a")); err != nil {
		t.Fatalf("ticket session create failed: %v", err)
	}
	if _, err := store.WriteSession(ctx, targetRef, transport.WriteModeCreateOrUpdate, "", joinRequest(targetRef, "9", "device-z", "")); err != nil {
		t.Fatalf("target session create failed: %v", err)
	}

	ticket, change, err := store.CreateTicket(ctx, TicketRecord{
		ServiceConfigID: testServiceConfigID,
		Hopper:          "ranked",
		TicketTemplate:  ticketRef.TemplateName,
		TicketSession:   ticketRef.SessionName,
		SubmitterXUID:   "1",
		GiveUpSeconds:   60,
	})
	if err != nil {
		t.Fatalf("create ticket failed: %v", err)
	}
	if ticket.ID == "" {
		t.Fatalf("expected a ticket id")
	}
	if change.Document.Matchmaking == nil || change.Document.Matchmaking.Status != session.MatchmakingStatusSearching {
		t.Fatalf("expected ticket session to be searching, got %+v", change.Document.Matchmaking)
	}

	if _, err := store.ResolveTicket(ctx, ticket.ID, TicketResolution{Status: session.MatchmakingStatusFound}); !errors.Is(err, session.ErrInvalidArgument) {
		t.Fatalf("expected found without target to be rejected, got %v", err)
	}
	if _, err := store.ResolveTicket(ctx, ticket.ID, TicketResolution{Status: "paused"}); !errors.Is(err, session.ErrInvalidArgument) {
		t.Fatalf("expected unknown status to be rejected, got %v", err)
	}

	changes, err := store.ResolveTicket(ctx, ticket.ID, TicketResolution{
		Status: session.MatchmakingStatusFound,
		Target: targetRef,
		Stage:  session.InitializationStageJoining,
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected target and ticket session changes, got %d", len(changes))
	}
	target := changes[0].Document
	if target.Initialization == nil || target.Initialization.Stage != session.InitializationStageJoining || target.Initialization.Episode != 1 {
		t.Fatalf("unexpected target initialization: %+v", target.Initialization)
	}
	matched := changes[1].Document
	if matched.Matchmaking.Status != session.MatchmakingStatusFound || !matched.Matchmaking.TargetSession.Equal(targetRef) {
		t.Fatalf("unexpected ticket session matchmaking: %+v", matched.Matchmaking)
	}
	if len(changes[1].Subscriptions) != 1 || changes[1].Subscriptions[0] != "conn-a" {
		t.Fatalf("expected the ticket member to be notified, got %v", changes[1].Subscriptions)
	}

	if _, err := store.ResolveTicket(ctx, ticket.ID, TicketResolution{Status: session.MatchmakingStatusExpired}); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected a resolved ticket to be gone, got %v", err)
	}
}

func TestStoreDeleteTicketCancelsSearch(t *testing.T) {
	store := mustStore(t)
	ctx := context.Background()
	ticketRef := mustReference(t, "MatchTicket", "ticket-2")

	if _, err := store.WriteSession(ctx, ticketRef, transport.WriteModeCreateOrUpdate, "", joinRequest(ticketRef, "1", "device-a", "")); err != nil {
		t.Fatalf("ticket session create failed: %v", err)
	}
	ticket, _, err := store.CreateTicket(ctx, TicketRecord{
		ServiceConfigID: testServiceConfigID,
		Hopper:          "casual",
		TicketTemplate:  ticketRef.TemplateName,
		TicketSession:   ticketRef.SessionName,
	})
	if err != nil {
		t.Fatalf("create ticket failed: %v", err)
	}

	if _, err := store.DeleteTicket(ctx, testServiceConfigID, "ranked", ticket.ID); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected hopper mismatch to report not found, got %v", err)
	}
	changes, err := store.DeleteTicket(ctx, testServiceConfigID, "casual", ticket.ID)
	if err != nil {
		t.Fatalf("delete ticket failed: %v", err)
	}
	if len(changes) != 1 || changes[0].Document.Matchmaking.Status != session.MatchmakingStatusCanceled {
		t.Fatalf("expected ticket session to be canceled, got %+v", changes)
	}
}
