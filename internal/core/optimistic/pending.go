package optimistic

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cartsync/cartsync/internal/core/conflict"
	"github.com/cartsync/cartsync/internal/core/models"
)

// OpKind is the mutation kind of a pending operation.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// PendingOperation describes one in-flight speculative mutation. PreImage is
// the exact prior state needed to undo it; nil for inserts, where undo is
// removal of the temp-id row. Patch carries the update's field delta so
// snapshot merges know which fields are in flight.
type PendingOperation struct {
	ID       string
	Kind     OpKind
	TargetID string
	IssuedAt time.Time
	PreImage *models.Item
	Patch    models.Fields
}

// outcome is the terminal result delivered to the awaiting caller.
type outcome struct {
	item models.Item
	err  error
}

// pendingEntry is the arena slot owning an operation, its rollback timer and
// its completion channel. Exactly one terminal path (settle, timeout,
// manual rollback, caller cancellation) takes the entry out of the registry
// and signals done; the races in those paths are resolved by registry
// membership, never interleaved.
type pendingEntry struct {
	op    PendingOperation
	timer *time.Timer
	done  chan outcome
}

// registry tracks in-flight operations by operation id, in issuance order.
// It is the single owner of entry lifecycles; everything else goes through
// id-based accessors.
type registry struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	order   []string
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*pendingEntry)}
}

func (r *registry) add(op PendingOperation, timer *time.Timer) *pendingEntry {
	entry := &pendingEntry{
		op:    op,
		timer: timer,
		done:  make(chan outcome, 1),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[op.ID] = entry
	r.order = append(r.order, op.ID)
	return entry
}

// take removes the entry for opID, stopping its timer. It reports false when
// the operation already reached a terminal outcome; late arrivals use that
// as the stale-result guard.
func (r *registry) take(opID string) (*pendingEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[opID]
	if !ok {
		return nil, false
	}
	delete(r.entries, opID)
	r.removeFromOrder(opID)
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return entry, true
}

// takeAllReversed drains every entry in reverse issuance order, so chained
// same-target snapshots unwind correctly.
func (r *registry) takeAllReversed() []*pendingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*pendingEntry, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		entry, ok := r.entries[r.order[i]]
		if !ok {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
		}
		out = append(out, entry)
	}
	r.entries = make(map[string]*pendingEntry)
	r.order = nil
	return out
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *registry) list() []PendingOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingOperation, 0, len(r.entries))
	for _, id := range r.order {
		if entry, ok := r.entries[id]; ok {
			out = append(out, entry.op)
		}
	}
	return out
}

func (r *registry) hasTarget(targetID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.op.TargetID == targetID {
			return true
		}
	}
	return false
}

// view projects the registry into what a snapshot merge needs to know.
func (r *registry) view() conflict.PendingView {
	return viewOf(r.list())
}

// viewOf folds operations, in issuance order, into a merge-time view.
// Patches for the same target accumulate so the union of in-flight field
// deltas shields local values.
func viewOf(ops []PendingOperation) conflict.PendingView {
	targets := mapset.NewSet[string]()
	inserts := mapset.NewSet[string]()
	deletes := mapset.NewSet[string]()
	patches := make(map[string]models.Fields)

	for _, op := range ops {
		targets.Add(op.TargetID)
		switch op.Kind {
		case OpInsert:
			inserts.Add(op.TargetID)
		case OpDelete:
			deletes.Add(op.TargetID)
		case OpUpdate:
			patches[op.TargetID] = patches[op.TargetID].Merge(op.Patch)
		}
	}

	return conflict.PendingView{
		Targets:       targets,
		InsertTargets: inserts,
		DeleteTargets: deletes,
		PatchFor: func(id string) models.Fields {
			return patches[id]
		},
	}
}

// removeFromOrder runs under r.mu.
func (r *registry) removeFromOrder(opID string) {
	for i, id := range r.order {
		if id == opID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// targetLocks serializes operations per target id, per the same-id ordering
// contract: a second operation on an id waits for the first to settle, so
// every pre-image snapshot chains onto a terminal state.
type targetLocks struct {
	mu    sync.Mutex
	locks map[string]*targetLock
}

type targetLock struct {
	mu   sync.Mutex
	refs int
}

func newTargetLocks() *targetLocks {
	return &targetLocks{locks: make(map[string]*targetLock)}
}

func (t *targetLocks) acquire(id string) {
	t.mu.Lock()
	l := t.locks[id]
	if l == nil {
		l = &targetLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()
	l.mu.Lock()
}

func (t *targetLocks) release(id string) {
	t.mu.Lock()
	l := t.locks[id]
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
	t.mu.Unlock()
	l.mu.Unlock()
}
