// Package optimistic implements the client-side optimistic concurrency
// engine: speculative mutations over an in-memory ordered collection,
// reconciliation against the remote gateway, rollback on failure or
// timeout, conflict-preserving snapshot merges, cross-tab change hints and
// local backup with offline staging.
package optimistic

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cartsync/cartsync/internal/core/backup"
	"github.com/cartsync/cartsync/internal/core/broadcast"
	"github.com/cartsync/cartsync/internal/core/conflict"
	"github.com/cartsync/cartsync/internal/core/gateway"
	"github.com/cartsync/cartsync/internal/core/models"
	"github.com/cartsync/cartsync/internal/core/observability/log"
	"github.com/cartsync/cartsync/internal/core/observability/metrics"
	"github.com/cartsync/cartsync/pkg/sequence"
)

// SyncState is the process-wide synchronization status exposed to the UI.
type SyncState struct {
	LastSync       *time.Time
	SyncInProgress bool
	ConflictCount  int64
}

// Options configures a Store. Gateway is required; everything else is
// optional and nil-safe.
type Options struct {
	Config      Config
	Gateway     gateway.Gateway
	Backup      *backup.Store
	Broadcaster broadcast.Broadcaster
	// Resolver decides true conflicts in ResolveConflicts.
	Resolver conflict.Callback
	Logger   log.Log
	Metrics  metrics.Collector
}

// Store is the optimistic engine. All reads observe a consistent collection
// snapshot: state transitions swap an immutable Collection pointer under the
// mutex, so partial updates are never visible.
type Store struct {
	cfg      Config
	gw       gateway.Gateway
	logger   log.Log
	metrics  metrics.Collector
	backups  *backup.Store
	bcast    broadcast.Broadcaster
	sub      broadcast.Subscription
	resolver conflict.Callback
	senderID string

	mu         sync.RWMutex
	collection *Collection
	syncState  SyncState
	lastErr    error
	stage      *sequence.Queue[stagedOp]
	stagedIDs  map[string]string
	offline    bool

	reg     *registry
	targets *targetLocks
	sf      singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// runMu serializes goroutine launches against Close: the closed check
	// and wg.Add must be atomic or a late Add can race Close's Wait.
	runMu  sync.Mutex
	closed atomic.Bool
}

// New builds a Store, warm-starting the collection from the last backup when
// one is configured, subscribing to the broadcaster and starting the
// periodic backup loop.
func New(opts Options) (*Store, error) {
	if opts.Gateway == nil {
		return nil, ErrInvalidConfig
	}
	cfg := opts.Config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Provide()
	}
	collector := opts.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		cfg:        cfg,
		gw:         opts.Gateway,
		logger:     logger.With(log.String("component", "optimistic_store")),
		metrics:    collector,
		backups:    opts.Backup,
		bcast:      opts.Broadcaster,
		resolver:   opts.Resolver,
		senderID:   uuid.NewString(),
		collection: NewCollection(),
		stage:      sequence.NewQueue[stagedOp](cfg.StageCapacity),
		stagedIDs:  make(map[string]string),
		reg:        newRegistry(),
		targets:    newTargetLocks(),
		baseCtx:    ctx,
		cancel:     cancel,
	}

	if s.backups != nil {
		items, at, err := s.backups.Restore()
		if err == nil && len(items) > 0 {
			s.collection = NewCollection(items...)
			if !at.IsZero() {
				s.syncState.LastSync = &at
			}
			s.logger.Info("warm-started from backup",
				log.Int("items", len(items)),
				log.Time("backup_at", at))
		}
	}

	if s.bcast != nil {
		sub, err := s.bcast.Subscribe(s.onPeerMessage)
		if err != nil {
			cancel()
			return nil, err
		}
		s.sub = sub
	}

	if s.backups != nil && cfg.BackupInterval > 0 {
		s.wg.Add(1)
		go s.backupLoop()
	}

	return s, nil
}

// Insert appends a provisional item under a temp id, issues the create and
// reconciles with the authoritative record in place.
func (s *Store) Insert(ctx context.Context, fields models.Fields) (models.Item, error) {
	if s.closed.Load() {
		return models.Item{}, ErrClosed
	}
	tempID := s.cfg.TempIDPrefix + uuid.NewString()
	s.targets.acquire(tempID)
	defer s.targets.release(tempID)

	item := models.Item{ID: tempID, Fields: fields.Clone()}
	s.mu.Lock()
	s.collection = s.collection.WithAppended(item)
	s.mu.Unlock()

	entry := s.register(PendingOperation{
		ID:       uuid.NewString(),
		Kind:     OpInsert,
		TargetID: tempID,
		IssuedAt: time.Now(),
	})
	s.dispatch(entry, func(callCtx context.Context) gateway.Result {
		return s.gw.Create(callCtx, fields.Clone())
	})
	return s.await(ctx, entry)
}

// Update applies patch speculatively and issues the remote update. A missing
// id aborts with NotFoundError: logged as a warning, no mutation, no
// pending operation.
func (s *Store) Update(ctx context.Context, id string, patch models.Fields) (models.Item, error) {
	if s.closed.Load() {
		return models.Item{}, ErrClosed
	}
	s.targets.acquire(id)
	defer s.targets.release(id)

	s.mu.Lock()
	idx := s.collection.IndexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		s.logger.Warn("update target missing", log.String("item_id", id))
		return models.Item{}, &NotFoundError{ID: id}
	}
	current, _ := s.collection.Get(id)
	pre := current.Clone()
	s.collection = s.collection.WithReplacedAt(idx, current.WithPatch(patch))
	s.mu.Unlock()

	entry := s.register(PendingOperation{
		ID:       uuid.NewString(),
		Kind:     OpUpdate,
		TargetID: id,
		IssuedAt: time.Now(),
		PreImage: &pre,
		Patch:    patch.Clone(),
	})
	s.dispatch(entry, func(callCtx context.Context) gateway.Result {
		return s.gw.Update(callCtx, id, patch.Clone())
	})
	return s.await(ctx, entry)
}

// Delete removes the item speculatively and issues the remote delete. A
// missing id aborts the same way as Update.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.targets.acquire(id)
	defer s.targets.release(id)

	s.mu.Lock()
	current, ok := s.collection.Get(id)
	if !ok {
		s.mu.Unlock()
		s.logger.Warn("delete target missing", log.String("item_id", id))
		return &NotFoundError{ID: id}
	}
	pre := current.Clone()
	s.collection = s.collection.WithRemoved(id)
	s.mu.Unlock()

	entry := s.register(PendingOperation{
		ID:       uuid.NewString(),
		Kind:     OpDelete,
		TargetID: id,
		IssuedAt: time.Now(),
		PreImage: &pre,
	})
	s.dispatch(entry, func(callCtx context.Context) gateway.Result {
		return s.gw.Delete(callCtx, id)
	})
	_, err := s.await(ctx, entry)
	return err
}

// RollbackOperation forces the undo path for one pending operation, then
// triggers a background resync to re-establish ground truth.
func (s *Store) RollbackOperation(opID string) error {
	entry, ok := s.reg.take(opID)
	if !ok {
		return ErrUnknownOperation
	}
	s.rollback(entry.op, "manual")
	entry.done <- outcome{err: ErrCancelled}
	s.syncPendingGauge()
	s.resyncAsync()
	return nil
}

// RollbackAll undoes every pending operation in reverse issuance order, then
// triggers a background resync.
func (s *Store) RollbackAll() {
	entries := s.reg.takeAllReversed()
	for _, entry := range entries {
		s.rollback(entry.op, "manual")
		entry.done <- outcome{err: ErrCancelled}
	}
	s.syncPendingGauge()
	if len(entries) > 0 {
		s.resyncAsync()
	}
}

// IsOperationPending reports whether any in-flight or staged operation
// targets the given item id.
func (s *Store) IsOperationPending(targetID string) bool {
	if s.reg.hasTarget(targetID) {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range s.stage.Items() {
		if op.TargetID == targetID {
			return true
		}
	}
	return false
}

func (s *Store) GetItem(id string) (models.Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collection.Get(id)
}

func (s *Store) Items() []models.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collection.Items()
}

// PendingOperations lists in-flight operations in issuance order.
func (s *Store) PendingOperations() []PendingOperation {
	return s.reg.list()
}

func (s *Store) PendingCount() int {
	return s.reg.count()
}

// IsLoading reports whether any operation is in flight; it backs the UI's
// busy indicator.
func (s *Store) IsLoading() bool {
	return s.reg.count() > 0
}

func (s *Store) SyncState() SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncState
}

// Err returns the shared error field observed by passive UI surfaces.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ClearError resets the shared error field. Errors never auto-expire.
func (s *Store) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
}

// Close stops background work, rolls back whatever is still in flight via
// call cancellation, writes a final backup and releases the broadcaster
// subscription.
func (s *Store) Close() error {
	s.runMu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.runMu.Unlock()
		return nil
	}
	s.runMu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Cancel()
	}
	s.wg.Wait()
	if s.backups != nil {
		s.backupNow()
	}
	return nil
}

// register arms the rollback timer and files the operation in the registry.
func (s *Store) register(op PendingOperation) *pendingEntry {
	timer := time.AfterFunc(s.cfg.RollbackWindow, func() {
		s.timeoutRollback(op.ID)
	})
	entry := s.reg.add(op, timer)
	s.syncPendingGauge()
	return entry
}

// dispatch runs the gateway call on a store-scoped context: caller
// cancellation and rollback never cancel the network request, they only
// make its eventual result stale.
func (s *Store) dispatch(entry *pendingEntry, call func(context.Context) gateway.Result) {
	started := s.goTracked(func() {
		callCtx, cancelCall := context.WithTimeout(s.baseCtx, s.cfg.CallTimeout)
		defer cancelCall()
		s.settle(entry.op.ID, call(callCtx))
	})
	if started {
		return
	}
	// Close won the race after the mutation was registered; settle it as
	// cancelled instead of leaving the caller blocked.
	if taken, ok := s.reg.take(entry.op.ID); ok {
		s.rollback(taken.op, "closed")
		taken.done <- outcome{err: ErrClosed}
		s.syncPendingGauge()
	}
}

// goTracked runs fn on a waitgroup-tracked goroutine. It refuses once Close
// has begun, so Close's Wait never misses a launch.
func (s *Store) goTracked(fn func()) bool {
	s.runMu.Lock()
	if s.closed.Load() {
		s.runMu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.runMu.Unlock()
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// await blocks until the operation reaches a terminal outcome. If the caller
// abandons first, the operation is logically cancelled and rolled back.
func (s *Store) await(ctx context.Context, entry *pendingEntry) (models.Item, error) {
	select {
	case out := <-entry.done:
		return out.item, out.err
	case <-ctx.Done():
		if taken, ok := s.reg.take(entry.op.ID); ok {
			s.rollback(taken.op, "caller_cancelled")
			s.syncPendingGauge()
		}
		return models.Item{}, ctx.Err()
	}
}

// settle consumes a gateway result. The registry membership check is the
// stale-result guard: an operation already rolled back (timeout, manual,
// cancellation) discards its late result instead of resurrecting state the
// user watched disappear.
func (s *Store) settle(opID string, res gateway.Result) {
	entry, ok := s.reg.take(opID)
	if !ok {
		s.logger.Debug("discarding stale gateway result", log.String("op_id", opID))
		return
	}
	defer s.syncPendingGauge()
	op := entry.op

	if res.Failed() {
		switch {
		case errors.Is(res.Err, gateway.ErrUnavailable):
			item, err := s.stageOffline(op)
			entry.done <- outcome{item: item, err: err}
		case errors.Is(res.Err, context.Canceled):
			s.rollback(op, "closed")
			entry.done <- outcome{err: ErrCancelled}
		default:
			s.rollback(op, "remote")
			err := &RemoteError{Err: res.Err}
			s.setError(err)
			entry.done <- outcome{err: err}
		}
		return
	}

	var settled models.Item
	s.mu.Lock()
	switch op.Kind {
	case OpInsert, OpUpdate:
		// Authoritative record lands at the speculative row's position so
		// confirmation never reorders the UI.
		settled = res.Record.Clone()
		s.collection = s.collection.WithReplaced(op.TargetID, settled)
	case OpDelete:
		// Row already removed speculatively.
	}
	s.mu.Unlock()

	entry.done <- outcome{item: settled}
	s.publishChange(op.Kind, settled.ID, op.TargetID)
}

// timeoutRollback fires when no terminal response arrived inside the
// rollback window.
func (s *Store) timeoutRollback(opID string) {
	entry, ok := s.reg.take(opID)
	if !ok {
		return
	}
	s.rollback(entry.op, "timeout")
	err := &TimeoutError{OperationID: opID, After: s.cfg.RollbackWindow}
	s.setError(err)
	s.logger.Warn("operation timed out, rolled back",
		log.String("op_id", opID),
		log.String("target_id", entry.op.TargetID),
		log.Duration("window", s.cfg.RollbackWindow))
	entry.done <- outcome{err: err}
	s.syncPendingGauge()
}

// rollback restores the pre-mutation snapshot for one operation.
func (s *Store) rollback(op PendingOperation, reason string) {
	s.mu.Lock()
	switch op.Kind {
	case OpInsert:
		s.collection = s.collection.WithRemoved(op.TargetID)
	case OpUpdate:
		// Restore the pre-image verbatim, in place.
		s.collection = s.collection.WithReplaced(op.TargetID, *op.PreImage)
	case OpDelete:
		// Original index may no longer be meaningful; append.
		s.collection = s.collection.WithAppended(*op.PreImage)
	}
	s.mu.Unlock()
	s.metrics.RecordRollback(reason)
	s.logger.Debug("rolled back operation",
		log.String("op_id", op.ID),
		log.String("kind", op.Kind.String()),
		log.String("reason", reason))
}

func (s *Store) setError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Store) syncPendingGauge() {
	s.metrics.SetPendingOperations(s.reg.count())
}

// publishChange emits a best-effort cross-tab hint after a confirmed
// mutation. settledID is the authoritative id, previousID the speculative
// one (they differ for inserts).
func (s *Store) publishChange(kind OpKind, settledID, previousID string) {
	if s.bcast == nil {
		return
	}
	id := settledID
	if id == "" {
		id = previousID
	}
	msg := broadcast.Message{
		Type:     broadcast.TypeItemsChanged,
		SenderID: s.senderID,
		Payload: map[string]any{
			"op": kind.String(),
			"id": id,
		},
	}
	if err := s.bcast.Broadcast(msg); err != nil && !errors.Is(err, broadcast.ErrClosed) {
		s.logger.Debug("broadcast failed", log.Err(err))
	}
	s.metrics.RecordBroadcast()
}

// onPeerMessage reacts to peer notifications: they are invalidation hints,
// never authoritative deltas.
func (s *Store) onPeerMessage(msg broadcast.Message) {
	if msg.SenderID == s.senderID {
		return
	}
	if !s.cfg.ResyncOnBroadcast || s.closed.Load() {
		return
	}
	s.logger.Debug("peer change hint received", log.String("type", msg.Type))
	s.resyncAsync()
}

func (s *Store) resyncAsync() {
	s.goTracked(func() {
		if err := s.Resync(s.baseCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("background resync failed", log.Err(err))
		}
	})
}

// isProvisional reports whether an id belongs to a not-yet-confirmed insert.
func (s *Store) isProvisional(id string) bool {
	return strings.HasPrefix(id, s.cfg.TempIDPrefix)
}
