package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
)

const sessionResponse = `{
  "changeNumber": 7,
  "properties": {"system": {"host": "device-a"}, "custom": {"GameMode": "ctf"}},
  "members": {"0": {"constants": {"system": {"xuid": "1"}}, "properties": {"system": {"active": true}}, "deviceToken": "device-a"}}
}`

func mustReference(t *testing.T) session.Reference {
	t.Helper()
	ref, err := session.NewReference("scid-1", "LobbySession", "lobby-1")
	if err != nil {
		t.Fatalf("unexpected reference error: %v", err)
	}
	return ref
}

func mustClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestWriteSessionSendsPatchAndPrecondition(t *testing.T) {
	ref := mustReference(t)
	var (
		gotMethod  string
		gotPath    string
		gotIfMatch string
		gotAuth    string
		gotBody    session.WriteRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotIfMatch = r.Header.Get(HeaderIfMatch)
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("invalid request body: %v", err)
		}
		w.Header().Set(HeaderETag, `"7"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sessionResponse))
	}))
	defer server.Close()

	doc := session.New(ref)
	doc.ETag = `"6"`
	doc.SetCustomProperty("GameMode", json.RawMessage(`"ctf"`))

	result, err := mustClient(t, server).WriteSession(context.Background(), Credentials{XUID: "1", Token: "token-1"}, doc, WriteModeSynchronized)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/serviceconfigs/scid-1/sessiontemplates/LobbySession/sessions/lobby-1" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if gotIfMatch != `"6"` {
		t.Fatalf("expected If-Match header, got %q", gotIfMatch)
	}
	if gotAuth != "Bearer token-1" {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if string(gotBody.Custom["GameMode"]) != `"ctf"` {
		t.Fatalf("expected patch body, got %#v", gotBody.Custom)
	}
	if result.ChangeNumber != 7 || result.ETag != `"7"` || !result.Reference.Equal(ref) {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestWriteSessionMapsStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
	}{
		{name: "conflict", status: http.StatusPreconditionFailed, sentinel: session.ErrConflict},
		{name: "not-found", status: http.StatusNotFound, sentinel: session.ErrNotFound},
		{name: "server-error", status: http.StatusInternalServerError, body: `{"error":"boom"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := mustClient(t, server).WriteSession(context.Background(), Credentials{}, session.New(mustReference(t)), WriteModeUpdateExisting)
			var transportErr *session.TransportError
			if !errors.As(err, &transportErr) || transportErr.StatusCode != tt.status {
				t.Fatalf("expected transport error with status %d, got %v", tt.status, err)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Fatalf("expected %v, got %v", tt.sentinel, err)
			}
			if tt.sentinel == nil && (session.IsRecoverable(err) || transportErr.Err == nil || transportErr.Err.Error() != "boom") {
				t.Fatalf("expected decoded server error, got %v", err)
			}
		})
	}
}

func TestCreateMatchTicketEncodesTimeout(t *testing.T) {
	var gotBody TicketBody
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"ticketId":"t-1","waitTime":30}`))
	}))
	defer server.Close()

	ticket, err := mustClient(t, server).CreateMatchTicket(context.Background(), Credentials{}, TicketRequest{
		Session:    mustReference(t),
		Hopper:     "ranked",
		Attributes: json.RawMessage(`{"skill":10}`),
		Timeout:    90 * time.Second,
	})
	if err != nil {
		t.Fatalf("ticket failed: %v", err)
	}
	if gotPath != "/serviceconfigs/scid-1/hoppers/ranked" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotBody.GiveUpDuration != 90 || gotBody.TicketSessionRef.Name != "lobby-1" {
		t.Fatalf("unexpected ticket body %#v", gotBody)
	}
	if ticket.ID != "t-1" || ticket.EstimatedWait != 30*time.Second {
		t.Fatalf("unexpected ticket %#v", ticket)
	}
}

func TestSendInvitesCreatesOneHandlePerUser(t *testing.T) {
	var invited []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body HandleBody
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		if body.Type != HandleTypeInvite {
			t.Errorf("unexpected handle type %s", body.Type)
		}
		invited = append(invited, body.InvitedXUID)
		_, _ = w.Write([]byte(`{"id":"invite-` + body.InvitedXUID + `"}`))
	}))
	defer server.Close()

	handles, err := mustClient(t, server).SendInvites(context.Background(), Credentials{}, mustReference(t), []string{"2", "3"})
	if err != nil {
		t.Fatalf("invites failed: %v", err)
	}
	if len(handles) != 2 || handles[1] != "invite-3" || len(invited) != 2 {
		t.Fatalf("unexpected handles %v", handles)
	}
}

func TestCanceledContextReportsDestroyed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mustClient(t, server).GetSession(ctx, Credentials{}, mustReference(t))
	if !errors.Is(err, session.ErrDestroyed) {
		t.Fatalf("expected destroyed error, got %v", err)
	}
}
