// Package writer reconciles one cached session document against local writes and pushed
// change notifications.
//
// A notification for change number N is discarded when N is not newer than the cache. While a
// write is in flight the notification is only recorded: the write response is itself an
// authoritative snapshot and a concurrent fetch could overwrite it with older data. Without a
// write in flight a single fetch is issued and later notifications are coalesced into at most
// one follow-up fetch. Write completions apply their response when it is newer, and only then
// release any deferred fetch.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
)

const defaultConflictRetries = 3

var (
	// ErrInvalidConfig indicates a Config that cannot produce a writer.
	ErrInvalidConfig    = errors.New("writer: invalid config")
	errMissingDirectory = errors.New("directory dependency required")
	errNoReference      = errors.New("writer has no session reference")
	errNoCredentials    = errors.New("no credentials available for fetch")
)

// State is the reconciliation state of a writer.
type State int

const (
	StateIdle State = iota
	StateWriteInProgress
	StateTapPending
	StateResolving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWriteInProgress:
		return "write-in-progress"
	case StateTapPending:
		return "tap-pending"
	case StateResolving:
		return "resolving"
	default:
		return "unknown"
	}
}

// Mutation paints changes onto a document clone before it is written.
type Mutation func(doc *session.Document) error

// Config describes the writer dependencies.
type Config struct {
	Directory       transport.Directory
	Kind            session.Kind
	Reference       session.Reference
	ConflictRetries int
	// Credentials supplies the identity used for notification-driven fetches.
	Credentials func() (transport.Credentials, bool)
	Logger      *zap.Logger
}

// Writer owns one document's local copy.
type Writer struct {
	directory       transport.Directory
	kind            session.Kind
	conflictRetries int
	credentials     func() (transport.Credentials, bool)
	logger          *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	ref            session.Reference
	doc            *session.Document
	epoch          uint64
	writesInFlight int
	fetching       bool
	fetchDone      chan struct{}
	pendingTap     uint64
	pendingForce   bool
	closed         bool
	callbacks      []func(*session.Document)
}

// New constructs a Writer.
func New(cfg Config) (*Writer, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, errMissingDirectory)
	}
	retries := cfg.ConflictRetries
	if retries <= 0 {
		retries = defaultConflictRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	credentials := cfg.Credentials
	if credentials == nil {
		credentials = func() (transport.Credentials, bool) { return transport.Credentials{}, false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		directory:       cfg.Directory,
		kind:            cfg.Kind,
		conflictRetries: retries,
		credentials:     credentials,
		logger:          logger.With(zap.String("session_kind", cfg.Kind.String())),
		ctx:             ctx,
		cancel:          cancel,
		ref:             cfg.Reference,
	}, nil
}

// OnUpdated registers callback for every cache replacement. Callbacks run outside the writer lock.
func (w *Writer) OnUpdated(callback func(*session.Document)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, callback)
	w.mu.Unlock()
}

// Document returns the cached document, or nil. The value must not be mutated.
func (w *Writer) Document() *session.Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doc
}

// Reference returns the session the writer tracks.
func (w *Writer) Reference() session.Reference {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ref
}

// SetReference points the writer at ref, dropping the cache when the session changes.
func (w *Writer) SetReference(ref session.Reference) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ref.Equal(ref) {
		return
	}
	w.ref = ref
	w.resetLocked()
}

// Reset drops the cached document; results of operations started before the reset are ignored.
func (w *Writer) Reset() {
	w.mu.Lock()
	w.resetLocked()
	w.mu.Unlock()
}

func (w *Writer) resetLocked() {
	w.doc = nil
	w.epoch++
	w.pendingTap = 0
	w.pendingForce = false
}

// State reports the current reconciliation state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.fetching:
		return StateResolving
	case w.writesInFlight > 0 && (w.pendingForce || w.pendingTap > w.cachedChangeNumberLocked()):
		return StateTapPending
	case w.writesInFlight > 0:
		return StateWriteInProgress
	default:
		return StateIdle
	}
}

// Close cancels in-flight operations; their continuations become no-ops.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.epoch++
	w.mu.Unlock()
	w.cancel()
}

// HandleNotification processes a change notification for ref at changeNumber.
func (w *Writer) HandleNotification(ref session.Reference, changeNumber uint64) {
	w.mu.Lock()
	if w.closed || w.ref.IsZero() || !w.ref.Equal(ref) {
		w.mu.Unlock()
		return
	}
	if changeNumber <= w.cachedChangeNumberLocked() {
		w.mu.Unlock()
		w.logger.Debug("discarded stale notification", zap.Uint64("change_number", changeNumber))
		return
	}
	if changeNumber > w.pendingTap {
		w.pendingTap = changeNumber
	}
	w.maybeFetchLocked()
	w.mu.Unlock()
}

// Resync requests a forced refetch, coalesced with any outstanding fetch.
func (w *Writer) Resync() {
	w.mu.Lock()
	if !w.closed && !w.ref.IsZero() {
		w.pendingForce = true
		w.maybeFetchLocked()
	}
	w.mu.Unlock()
}

// Refresh is the poll-driven refetch; it shares Resync's coalescing.
func (w *Writer) Refresh() {
	w.Resync()
}

// Write commits doc's write request. The cache is replaced only when updateLatest is set and
// the result is newer than the cached document.
func (w *Writer) Write(ctx context.Context, creds transport.Credentials, doc *session.Document, mode transport.WriteMode, updateLatest bool) (*session.Document, error) {
	return w.write(ctx, doc, updateLatest, func(ctx context.Context) (*session.Document, error) {
		return w.directory.WriteSession(ctx, creds, doc, mode)
	})
}

// WriteByHandle joins the session behind handleID and adopts it as the tracked session.
func (w *Writer) WriteByHandle(ctx context.Context, creds transport.Credentials, doc *session.Document, handleID string) (*session.Document, error) {
	return w.write(ctx, doc, true, func(ctx context.Context) (*session.Document, error) {
		return w.directory.WriteSessionByHandle(ctx, creds, doc, handleID)
	})
}

func (w *Writer) write(ctx context.Context, doc *session.Document, updateLatest bool, call func(context.Context) (*session.Document, error)) (*session.Document, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, session.ErrDestroyed
	}
	w.writesInFlight++
	epoch := w.epoch
	w.mu.Unlock()

	opCtx, cancel := w.operationContext(ctx)
	result, err := call(opCtx)
	cancel()

	w.mu.Lock()
	w.writesInFlight--
	if w.closed {
		w.mu.Unlock()
		return nil, session.ErrDestroyed
	}
	var updated *session.Document
	if err == nil && updateLatest && epoch == w.epoch {
		updated = w.applyLocked(result)
	}
	w.maybeFetchLocked()
	callbacks := w.callbacksLocked(updated)
	w.mu.Unlock()

	notify(callbacks, updated)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LeaveRemote sends doc's leave without waiting and never touches the cache.
func (w *Writer) LeaveRemote(creds transport.Credentials, doc *session.Document) {
	if doc == nil || doc.Reference.IsZero() {
		return
	}
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	go func() {
		if _, err := w.directory.WriteSession(w.ctx, creds, doc, transport.WriteModeUpdateExisting); err != nil && !errors.Is(err, session.ErrDestroyed) {
			w.logger.Debug("remote leave failed",
				zap.String("operation", "leave_remote"),
				zap.String("session", doc.Reference.String()),
				zap.Error(err),
			)
		}
	}()
}

// CommitPending paints mutate onto a clone of the cache (or a fresh document) and writes it blind.
func (w *Writer) CommitPending(ctx context.Context, creds transport.Credentials, mutate Mutation) (*session.Document, error) {
	base, err := w.scratch()
	if err != nil {
		return nil, err
	}
	if err := mutate(base); err != nil {
		return nil, err
	}
	if !base.HasChanges() {
		return w.Document(), nil
	}
	return w.Write(ctx, creds, base, transport.WriteModeCreateOrUpdate, true)
}

// CommitSynchronized writes mutate conditionally on the cached ETag. Conflicts refetch,
// reapply mutate to the fresh document and retry; only exhausted retries surface ErrConflict.
func (w *Writer) CommitSynchronized(ctx context.Context, creds transport.Credentials, mutate Mutation) (*session.Document, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, session.ErrDestroyed
	}
	w.writesInFlight++
	w.mu.Unlock()
	defer w.finishCommit()

	base, err := w.scratch()
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		if err := mutate(base); err != nil {
			return nil, err
		}
		if !base.HasChanges() {
			return w.Document(), nil
		}
		result, err := w.Write(ctx, creds, base, transport.WriteModeSynchronized, true)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, session.ErrConflict) || attempt >= w.conflictRetries {
			return nil, err
		}
		w.logger.Debug("synchronized write conflicted, refetching", zap.Int("attempt", attempt+1))
		fresh, err := w.fetchNow(ctx, creds, base.Reference)
		if err != nil {
			return nil, err
		}
		base = fresh.Clone()
	}
}

// CommitPendingSynchronized commits synchronized when a versioned document is cached and
// blind otherwise.
func (w *Writer) CommitPendingSynchronized(ctx context.Context, creds transport.Credentials, mutate Mutation) (*session.Document, error) {
	w.mu.Lock()
	versioned := w.doc != nil && w.doc.ETag != ""
	w.mu.Unlock()
	if versioned {
		return w.CommitSynchronized(ctx, creds, mutate)
	}
	return w.CommitPending(ctx, creds, mutate)
}

func (w *Writer) finishCommit() {
	w.mu.Lock()
	w.writesInFlight--
	if !w.closed {
		w.maybeFetchLocked()
	}
	w.mu.Unlock()
}

func (w *Writer) scratch() (*session.Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, session.ErrDestroyed
	}
	if w.doc != nil {
		return w.doc.Clone(), nil
	}
	if w.ref.IsZero() {
		return nil, fmt.Errorf("%w: %v", session.ErrLogic, errNoReference)
	}
	return session.New(w.ref), nil
}

// fetchNow reads ref synchronously for a conflict retry, applying the result to the cache.
// It waits for an outstanding fetch and holds the fetch slot while it reads.
func (w *Writer) fetchNow(ctx context.Context, creds transport.Credentials, ref session.Reference) (*session.Document, error) {
	opCtx, cancel := w.operationContext(ctx)
	defer cancel()

	w.mu.Lock()
	for w.fetching {
		done := w.fetchDone
		w.mu.Unlock()
		select {
		case <-done:
		case <-opCtx.Done():
			return nil, fmt.Errorf("%w: %v", session.ErrDestroyed, opCtx.Err())
		}
		w.mu.Lock()
	}
	if w.closed {
		w.mu.Unlock()
		return nil, session.ErrDestroyed
	}
	w.acquireFetchLocked()
	epoch := w.epoch
	w.mu.Unlock()

	fresh, err := w.directory.GetSession(opCtx, creds, ref)

	w.mu.Lock()
	w.releaseFetchLocked()
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	if w.closed {
		w.mu.Unlock()
		return nil, session.ErrDestroyed
	}
	var updated *session.Document
	if epoch == w.epoch {
		updated = w.applyLocked(fresh)
		if w.pendingTap <= w.cachedChangeNumberLocked() {
			w.pendingTap = 0
		}
	}
	callbacks := w.callbacksLocked(updated)
	w.mu.Unlock()
	notify(callbacks, updated)
	return fresh, nil
}

func (w *Writer) acquireFetchLocked() {
	w.fetching = true
	w.fetchDone = make(chan struct{})
}

func (w *Writer) releaseFetchLocked() {
	w.fetching = false
	if w.fetchDone != nil {
		close(w.fetchDone)
		w.fetchDone = nil
	}
}

// maybeFetchLocked issues the coalesced fetch when nothing is in flight and a newer
// notification or a forced resync is pending.
func (w *Writer) maybeFetchLocked() {
	if w.fetching || w.writesInFlight > 0 || w.closed || w.ref.IsZero() {
		return
	}
	if !w.pendingForce && w.pendingTap <= w.cachedChangeNumberLocked() {
		return
	}
	creds, ok := w.credentials()
	if !ok {
		w.logger.Debug("fetch skipped", zap.Error(errNoCredentials))
		return
	}
	w.acquireFetchLocked()
	forced := w.pendingForce
	w.pendingForce = false
	go w.fetch(creds, w.ref, w.epoch, w.pendingTap, forced)
}

// fetch resolves every notification up to target; later notifications trigger one more fetch.
// A failed fetch keeps the recorded notification so the next write completion, notification
// or resync releases it again.
func (w *Writer) fetch(creds transport.Credentials, ref session.Reference, epoch, target uint64, forced bool) {
	fresh, err := w.directory.GetSession(w.ctx, creds, ref)

	w.mu.Lock()
	w.releaseFetchLocked()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if err != nil {
		if forced && epoch == w.epoch {
			w.pendingForce = true
		}
		w.mu.Unlock()
		w.logger.Warn("session fetch failed",
			zap.String("operation", "fetch"),
			zap.String("session", ref.String()),
			zap.Error(err),
		)
		return
	}
	if epoch == w.epoch && w.pendingTap <= target {
		w.pendingTap = 0
	}
	var updated *session.Document
	if epoch == w.epoch {
		updated = w.applyLocked(fresh)
	}
	w.maybeFetchLocked()
	callbacks := w.callbacksLocked(updated)
	w.mu.Unlock()
	notify(callbacks, updated)
}

// applyLocked replaces the cache with doc when it tracks a new session or is newer.
func (w *Writer) applyLocked(doc *session.Document) *session.Document {
	if doc == nil {
		return nil
	}
	switch {
	case w.doc == nil, !w.doc.Reference.Equal(doc.Reference):
	case doc.NewerThan(w.doc):
	default:
		return nil
	}
	w.doc = doc
	if !doc.Reference.IsZero() {
		w.ref = doc.Reference
	}
	return doc
}

func (w *Writer) cachedChangeNumberLocked() uint64 {
	if w.doc == nil {
		return 0
	}
	return w.doc.ChangeNumber
}

func (w *Writer) callbacksLocked(updated *session.Document) []func(*session.Document) {
	if updated == nil || len(w.callbacks) == 0 {
		return nil
	}
	return append([]func(*session.Document){}, w.callbacks...)
}

func notify(callbacks []func(*session.Document), doc *session.Document) {
	for _, callback := range callbacks {
		callback(doc)
	}
}

func (w *Writer) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.ctx, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}
