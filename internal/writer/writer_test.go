package writer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport/transporttest"
)

const waitTimeout = 2 * time.Second

var testCredentials = transport.Credentials{XUID: "1", DeviceToken: "device-a"}

func mustReference(t *testing.T) session.Reference {
	t.Helper()
	ref, err := session.NewReference("scid-1", "LobbySession", "lobby-1")
	if err != nil {
		t.Fatalf("unexpected reference error: %v", err)
	}
	return ref
}

func mustWriter(t *testing.T, directory transport.Directory, ref session.Reference) *Writer {
	t.Helper()
	w, err := New(Config{
		Directory: directory,
		Kind:      session.KindLobby,
		Reference: ref,
		Credentials: func() (transport.Credentials, bool) {
			return testCredentials, true
		},
	})
	if err != nil {
		t.Fatalf("failed to construct writer: %v", err)
	}
	t.Cleanup(w.Close)
	return w
}

func seedLobby(t *testing.T, directory *transporttest.Directory, ref session.Reference) {
	t.Helper()
	doc := session.New(ref)
	doc.JoinMember(session.MemberJoin{XUID: "1", DeviceToken: "device-a"})
	doc.SetHostDeviceToken("device-a")
	created := session.ApplyWriteRequest(nil, ref, doc.WriteRequest())
	created.ChangeNumber = 1
	directory.Seed(created)
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	if !transporttest.Eventually(waitTimeout, condition) {
		t.Fatalf("timed out waiting for %s", description)
	}
}

func primeCache(t *testing.T, w *Writer) {
	t.Helper()
	w.Resync()
	waitFor(t, "initial fetch", func() bool { return w.Document() != nil && w.State() == StateIdle })
}

func bumpServer(directory *transporttest.Directory, ref session.Reference, times int) {
	for i := 0; i < times; i++ {
		directory.Update(ref, func(doc *session.Document) {
			doc.SetCustomProperty("Counter", json.RawMessage(`1`))
		})
	}
}

// countingDirectory records how many session reads are outstanding at once.
type countingDirectory struct {
	*transporttest.Directory
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (d *countingDirectory) GetSession(ctx context.Context, creds transport.Credentials, ref session.Reference) (*session.Document, error) {
	current := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		peak := d.peak.Load()
		if current <= peak || d.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	return d.Directory.GetSession(ctx, creds, ref)
}

func TestNewRequiresDirectory(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestWriteUpdatesCacheOnlyWhenRequested(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	w := mustWriter(t, directory, ref)

	doc := session.New(ref)
	doc.JoinMember(session.MemberJoin{XUID: "1", DeviceToken: "device-a"})
	result, err := w.Write(context.Background(), testCredentials, doc, transport.WriteModeCreateOrUpdate, false)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if result.ChangeNumber != 1 || w.Document() != nil {
		t.Fatalf("expected cache untouched without updateLatest")
	}

	next := result.Clone()
	next.SetCustomProperty("GameMode", json.RawMessage(`"ctf"`))
	result, err = w.Write(context.Background(), testCredentials, next, transport.WriteModeCreateOrUpdate, true)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if cached := w.Document(); cached == nil || cached.ChangeNumber != 2 || cached != result {
		t.Fatalf("expected cache to hold write result, got %#v", cached)
	}
}

func TestWriteUpdateExistingMissingSession(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	w := mustWriter(t, directory, ref)

	_, err := w.Write(context.Background(), testCredentials, session.New(ref), transport.WriteModeUpdateExisting, true)
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStaleNotificationIsDiscarded(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	seedLobby(t, directory, ref)
	bumpServer(directory, ref, 2)
	w := mustWriter(t, directory, ref)
	primeCache(t, w)
	fetches := directory.CallCount(transporttest.OpGetSession)

	w.HandleNotification(ref, 2)
	w.HandleNotification(ref, 3)
	other, _ := session.NewReference("scid-1", "LobbySession", "other")
	w.HandleNotification(other, 99)

	time.Sleep(20 * time.Millisecond)
	if got := directory.CallCount(transporttest.OpGetSession); got != fetches {
		t.Fatalf("expected no fetch for stale notifications, got %d extra", got-fetches)
	}
	if w.Document().ChangeNumber != 3 {
		t.Fatalf("expected cached change number 3, got %d", w.Document().ChangeNumber)
	}
}

func TestNotificationDuringWriteIsDeferred(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	seedLobby(t, directory, ref)
	w := mustWriter(t, directory, ref)
	primeCache(t, w)
	fetches := directory.CallCount(transporttest.OpGetSession)

	gate := directory.Block(transporttest.OpWriteSession)
	done := make(chan error, 1)
	go func() {
		next := w.Document().Clone()
		next.SetCustomProperty("GameMode", json.RawMessage(`"ctf"`))
		_, err := w.Write(context.Background(), testCredentials, next, transport.WriteModeCreateOrUpdate, true)
		done <- err
	}()
	<-gate.Entered()

	w.HandleNotification(ref, 50)
	if w.State() != StateTapPending {
		t.Fatalf("expected tap-pending state, got %s", w.State())
	}
	time.Sleep(20 * time.Millisecond)
	if got := directory.CallCount(transporttest.OpGetSession); got != fetches {
		t.Fatalf("fetch issued while a write was in flight")
	}

	gate.Release()
	if err := <-done; err != nil {
		t.Fatalf("write failed: %v", err)
	}
	waitFor(t, "deferred fetch", func() bool {
		return directory.CallCount(transporttest.OpGetSession) == fetches+1 && w.State() == StateIdle
	})
	time.Sleep(20 * time.Millisecond)
	if got := directory.CallCount(transporttest.OpGetSession); got != fetches+1 {
		t.Fatalf("expected exactly one deferred fetch, got %d", got-fetches)
	}
}

func TestNotificationCoveredByWriteNeedsNoFetch(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	seedLobby(t, directory, ref)
	w := mustWriter(t, directory, ref)
	primeCache(t, w)
	fetches := directory.CallCount(transporttest.OpGetSession)

	gate := directory.Block(transporttest.OpWriteSession)
	done := make(chan error, 1)
	go func() {
		next := w.Document().Clone()
		next.SetCustomProperty("GameMode", json.RawMessage(`"ctf"`))
		_, err := w.Write(context.Background(), testCredentials, next, transport.WriteModeCreateOrUpdate, true)
		done <- err
	}()
	<-gate.Entered()
	w.HandleNotification(ref, 2)
	gate.Release()
	if err := <-done; err != nil {
		t.Fatalf("write failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := directory.CallCount(transporttest.OpGetSession); got != fetches {
		t.Fatalf("expected the write response to satisfy the notification, got %d fetches", got-fetches)
	}
	if w.Document().ChangeNumber != 2 {
		t.Fatalf("expected change number 2, got %d", w.Document().ChangeNumber)
	}
	w.HandleNotification(ref, 1)
	if w.State() != StateIdle {
		t.Fatalf("older notification must be discarded")
	}
}

func TestNotificationsDuringFetchCoalesce(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	seedLobby(t, directory, ref)
	w := mustWriter(t, directory, ref)
	primeCache(t, w)
	fetches := directory.CallCount(transporttest.OpGetSession)

	bumpServer(directory, ref, 1)
	gate := directory.Block(transporttest.OpGetSession)
	w.HandleNotification(ref, 2)
	<-gate.Entered()
	if w.State() != StateResolving {
		t.Fatalf("expected resolving state, got %s", w.State())
	}

	bumpServer(directory, ref, 4)
	for changeNumber := uint64(3); changeNumber <= 6; changeNumber++ {
		w.HandleNotification(ref, changeNumber)
	}
	gate.Release()

	waitFor(t, "coalesced fetch", func() bool {
		doc := w.Document()
		return doc != nil && doc.ChangeNumber == 6 && w.State() == StateIdle
	})
	time.Sleep(20 * time.Millisecond)
	if got := directory.CallCount(transporttest.OpGetSession) - fetches; got < 1 || got > 2 {
		t.Fatalf("expected at most one coalesced fetch after the first, got %d fetches", got)
	}
}

func TestChangeNumberNeverDecreases(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	seedLobby(t, directory, ref)
	w := mustWriter(t, directory, ref)
	primeCache(t, w)

	stop := make(chan struct{})
	regression := make(chan string, 1)
	sampler := sync.WaitGroup{}
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		var last uint64
		for {
			select {
			case <-stop:
				return
			default:
			}
			if doc := w.Document(); doc != nil {
				if doc.ChangeNumber < last {
					select {
					case regression <- "cache change number decreased":
					default:
					}
					return
				}
				last = doc.ChangeNumber
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = w.CommitPending(context.Background(), testCredentials, func(doc *session.Document) error {
				doc.SetCustomProperty("Counter", json.RawMessage(`2`))
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			updated := directory.Update(ref, func(doc *session.Document) {})
			w.HandleNotification(ref, updated.ChangeNumber)
		}()
	}
	wg.Wait()
	waitFor(t, "idle writer", func() bool { return w.State() == StateIdle })
	close(stop)
	sampler.Wait()

	select {
	case message := <-regression:
		t.Fatal(message)
	default:
	}
}

func TestCommitSynchronizedRetriesConflict(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	seedLobby(t, directory, ref)
	w := mustWriter(t, directory, ref)
	primeCache(t, w)

	directory.Update(ref, func(doc *session.Document) {
		doc.SetCustomProperty("Remote", json.RawMessage(`true`))
	})

	applied := 0
	result, err := w.CommitSynchronized(context.Background(), testCredentials, func(doc *session.Document) error {
		applied++
		doc.SetCustomProperty("Local", json.RawMessage(`true`))
		return nil
	})
	if err != nil {
		t.Fatalf("expected conflict to be absorbed, got %v", err)
	}
	if applied != 2 || directory.CallCount(transporttest.OpWriteSession) != 2 {
		t.Fatalf("expected one retry, got %d mutations", applied)
	}
	if _, ok := result.Custom["Remote"]; !ok {
		t.Fatalf("retry must build on the refetched document")
	}
	if _, ok := result.Custom["Local"]; !ok {
		t.Fatalf("retry must reapply the local mutation")
	}
	for _, call := range directory.Calls(transporttest.OpWriteSession) {
		if call.Mode != transport.WriteModeSynchronized {
			t.Fatalf("expected synchronized writes, got %s", call.Mode)
		}
	}
}

func TestCommitSynchronizedSurfacesExhaustedConflicts(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	seedLobby(t, directory, ref)
	w := mustWriter(t, directory, ref)
	primeCache(t, w)

	conflict := &session.TransportError{Operation: "write_session", StatusCode: 412, Err: session.ErrConflict}
	for i := 0; i < 4; i++ {
		directory.FailNext(transporttest.OpWriteSession, conflict)
	}
	_, err := w.CommitSynchronized(context.Background(), testCredentials, func(doc *session.Document) error {
		doc.SetCustomProperty("Local", json.RawMessage(`true`))
		return nil
	})
	if !errors.Is(err, session.ErrConflict) {
		t.Fatalf("expected conflict after retries, got %v", err)
	}
	if got := directory.CallCount(transporttest.OpWriteSession); got != 4 {
		t.Fatalf("expected 4 attempts, got %d", got)
	}
}

func TestCommitPendingSynchronizedCreatesBlind(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	w := mustWriter(t, directory, ref)

	result, err := w.CommitPendingSynchronized(context.Background(), testCredentials, func(doc *session.Document) error {
		doc.JoinMember(session.MemberJoin{XUID: "1", DeviceToken: "device-a"})
		return nil
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if result.ChangeNumber != 1 {
		t.Fatalf("expected created session, got change number %d", result.ChangeNumber)
	}
	calls := directory.Calls(transporttest.OpWriteSession)
	if len(calls) != 1 || calls[0].Mode != transport.WriteModeCreateOrUpdate {
		t.Fatalf("expected one blind write, got %#v", calls)
	}
}

func TestLeaveRemoteNeverTouchesCache(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	seedLobby(t, directory, ref)
	w := mustWriter(t, directory, ref)
	primeCache(t, w)
	cached := w.Document()

	leave := cached.Clone()
	leave.LeaveMember("1")
	w.LeaveRemote(testCredentials, leave)

	waitFor(t, "remote leave", func() bool { return directory.CallCount(transporttest.OpWriteSession) == 1 })
	if w.Document() != cached {
		t.Fatalf("leave must not replace the cache")
	}
}

func TestResetDropsInFlightFetch(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	seedLobby(t, directory, ref)
	w := mustWriter(t, directory, ref)

	gate := directory.Block(transporttest.OpGetSession)
	w.Resync()
	<-gate.Entered()
	w.Reset()
	gate.Release()

	waitFor(t, "fetch completion", func() bool { return w.State() == StateIdle })
	if w.Document() != nil {
		t.Fatalf("fetch started before reset must be ignored")
	}
}

func TestCloseMakesOperationsNoOps(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	w := mustWriter(t, directory, ref)

	gate := directory.Block(transporttest.OpWriteSession)
	done := make(chan error, 1)
	go func() {
		_, err := w.Write(context.Background(), testCredentials, session.New(ref), transport.WriteModeCreateOrUpdate, true)
		done <- err
	}()
	<-gate.Entered()
	w.Close()

	if err := <-done; !errors.Is(err, session.ErrDestroyed) {
		t.Fatalf("expected destroyed, got %v", err)
	}
	if _, err := w.CommitPending(context.Background(), testCredentials, func(*session.Document) error { return nil }); !errors.Is(err, session.ErrDestroyed) {
		t.Fatalf("expected destroyed after close, got %v", err)
	}
	gate.Release()
}

func TestConflictRefetchWaitsForOutstandingFetch(t *testing.T) {
	directory := &countingDirectory{Directory: transporttest.New()}
	ref := mustReference(t)
	seedLobby(t, directory.Directory, ref)
	w := mustWriter(t, directory, ref)
	primeCache(t, w)

	bumpServer(directory.Directory, ref, 1)
	gate := directory.Block(transporttest.OpGetSession)
	w.HandleNotification(ref, 2)
	<-gate.Entered()

	done := make(chan error, 1)
	go func() {
		_, err := w.CommitSynchronized(context.Background(), testCredentials, func(doc *session.Document) error {
			doc.SetCustomProperty("Local", json.RawMessage(`true`))
			return nil
		})
		done <- err
	}()
	waitFor(t, "conflicting write", func() bool { return directory.CallCount(transporttest.OpWriteSession) == 1 })
	time.Sleep(20 * time.Millisecond)
	select {
	case <-gate.Entered():
		t.Fatalf("conflict refetch started while a fetch was outstanding")
	default:
	}

	gate.Release()
	if err := <-done; err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if peak := directory.peak.Load(); peak != 1 {
		t.Fatalf("expected at most one outstanding fetch, got %d", peak)
	}
	if _, ok := w.Document().Custom["Local"]; !ok {
		t.Fatalf("expected the retried write to land in the cache")
	}
}

func TestFailedFetchKeepsNotification(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	seedLobby(t, directory, ref)
	w := mustWriter(t, directory, ref)
	primeCache(t, w)
	fetches := directory.CallCount(transporttest.OpGetSession)

	bumpServer(directory, ref, 1)
	directory.FailNext(transporttest.OpGetSession, &session.TransportError{Operation: "get_session", StatusCode: 503})
	w.HandleNotification(ref, 2)
	waitFor(t, "failed fetch", func() bool {
		return directory.CallCount(transporttest.OpGetSession) == fetches+1 && w.State() == StateIdle
	})
	if got := w.Document().ChangeNumber; got != 1 {
		t.Fatalf("expected cache to stay at 1 after the failed fetch, got %d", got)
	}

	other := session.New(ref)
	other.SetCustomProperty("Unrelated", json.RawMessage(`true`))
	if _, err := w.Write(context.Background(), testCredentials, other, transport.WriteModeCreateOrUpdate, false); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	server := directory.Session(ref)
	waitFor(t, "released fetch", func() bool {
		doc := w.Document()
		return doc != nil && doc.ChangeNumber == server.ChangeNumber && w.State() == StateIdle
	})
}

func TestOnUpdatedRunsForEveryReplacement(t *testing.T) {
	directory := transporttest.New()
	ref := mustReference(t)
	seedLobby(t, directory, ref)
	w := mustWriter(t, directory, ref)

	var mu sync.Mutex
	var seen []uint64
	for i := 0; i < 2; i++ {
		w.OnUpdated(func(doc *session.Document) {
			mu.Lock()
			seen = append(seen, doc.ChangeNumber)
			mu.Unlock()
		})
	}
	primeCache(t, w)
	waitFor(t, "callbacks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})

	next := w.Document().Clone()
	next.SetCustomProperty("GameMode", json.RawMessage(`"ctf"`))
	if _, err := w.Write(context.Background(), testCredentials, next, transport.WriteModeCreateOrUpdate, false); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 1 {
		t.Fatalf("expected both callbacks once for the fetched document only, got %v", seen)
	}
}
