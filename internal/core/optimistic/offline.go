package optimistic

import (
	"context"
	"errors"
	"time"

	"github.com/cartsync/cartsync/internal/core/gateway"
	"github.com/cartsync/cartsync/internal/core/models"
	"github.com/cartsync/cartsync/internal/core/observability/log"
)

// stagedOp is a mutation deferred while the gateway is unreachable. Fields
// holds the full payload for inserts and the patch for updates.
type stagedOp struct {
	Kind     OpKind
	TargetID string
	Fields   models.Fields
	IssuedAt time.Time
	PreImage *models.Item
}

func (o stagedOp) asPending() PendingOperation {
	op := PendingOperation{
		Kind:     o.Kind,
		TargetID: o.TargetID,
		IssuedAt: o.IssuedAt,
		PreImage: o.PreImage,
	}
	if o.Kind == OpUpdate {
		op.Patch = o.Fields
	}
	return op
}

// stageOffline converts a pending operation whose call hit an unreachable
// gateway into a staged one: the speculative state stays applied, the
// mutation queues for replay and the store flips to offline. The staged
// snapshot is backed up immediately so intent survives a tab close.
func (s *Store) stageOffline(op PendingOperation) (models.Item, error) {
	staged := stagedOp{
		Kind:     op.Kind,
		TargetID: op.TargetID,
		IssuedAt: op.IssuedAt,
		PreImage: op.PreImage,
	}
	switch op.Kind {
	case OpInsert:
		if item, ok := s.GetItem(op.TargetID); ok {
			staged.Fields = item.Fields.Clone()
		}
	case OpUpdate:
		staged.Fields = op.Patch
	}

	s.mu.Lock()
	ok := s.stage.Enqueue(staged)
	if ok {
		s.offline = true
	}
	s.mu.Unlock()

	if !ok {
		s.rollback(op, "stage_full")
		s.setError(ErrStageFull)
		return models.Item{}, ErrStageFull
	}

	s.logger.Info("gateway unreachable, staged operation",
		log.String("kind", op.Kind.String()),
		log.String("target_id", op.TargetID),
		log.Int("staged", s.StagedCount()))

	if s.backups != nil {
		_ = s.backupNow()
	}

	item, _ := s.GetItem(op.TargetID)
	return item, nil
}

// Replay pushes staged operations to the gateway in issuance order. If the
// gateway is still unreachable the failing operation goes back to the head
// of the queue and Replay returns; anything behind it stays staged. Once
// the queue drains the store leaves offline mode and resyncs.
func (s *Store) Replay(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	for {
		s.mu.Lock()
		op, ok := s.stage.Dequeue()
		if ok {
			op = s.rewriteStaged(op)
		}
		s.mu.Unlock()
		if !ok {
			break
		}

		if err := s.replayOne(ctx, op); err != nil {
			if errors.Is(err, gateway.ErrUnavailable) || errors.Is(err, context.Canceled) {
				s.mu.Lock()
				s.stage.EnqueueFront(op)
				s.mu.Unlock()
				return err
			}
			// Terminal remote rejection: the staged intent is undone and the
			// error surfaced, but replay of the rest continues.
			s.unwindStaged(op)
			s.setError(&RemoteError{Err: err})
			s.logger.Warn("staged operation rejected on replay",
				log.String("kind", op.Kind.String()),
				log.String("target_id", op.TargetID),
				log.Err(err))
		}
	}

	s.mu.Lock()
	s.offline = false
	// Nothing staged still refers to a temp id once the queue drains.
	s.stagedIDs = make(map[string]string)
	s.mu.Unlock()

	if s.backups != nil {
		_ = s.backupNow()
	}
	return s.Resync(ctx)
}

// rewriteStaged redirects an operation whose target was created offline to
// the authoritative id that target's insert received earlier in the replay.
// Without the redirect, edits chained onto an offline insert would be issued
// under the temp id and bounce off the backend. Runs under s.mu.
func (s *Store) rewriteStaged(op stagedOp) stagedOp {
	mapped, ok := s.stagedIDs[op.TargetID]
	if !ok {
		return op
	}
	op.TargetID = mapped
	if op.PreImage != nil {
		pre := op.PreImage.Clone()
		pre.ID = mapped
		op.PreImage = &pre
	}
	return op
}

func (s *Store) replayOne(ctx context.Context, op stagedOp) error {
	switch op.Kind {
	case OpInsert:
		res := s.gw.Create(ctx, op.Fields.Clone())
		if res.Failed() {
			return res.Err
		}
		s.mu.Lock()
		s.stagedIDs[op.TargetID] = res.Record.ID
		// A staged delete later in the queue may already have removed the
		// speculative row; swap only when it is still present.
		if s.collection.IndexOf(op.TargetID) >= 0 {
			s.collection = s.collection.WithReplaced(op.TargetID, res.Record.Clone())
		}
		s.mu.Unlock()
		s.publishChange(OpInsert, res.Record.ID, op.TargetID)
		return nil
	case OpUpdate:
		res := s.gw.Update(ctx, op.TargetID, op.Fields.Clone())
		if res.Failed() {
			return res.Err
		}
		s.mu.Lock()
		if s.collection.IndexOf(op.TargetID) >= 0 {
			s.collection = s.collection.WithReplaced(op.TargetID, res.Record.Clone())
		}
		s.mu.Unlock()
		s.publishChange(OpUpdate, op.TargetID, op.TargetID)
		return nil
	case OpDelete:
		res := s.gw.Delete(ctx, op.TargetID)
		// The row vanishing server-side while offline is convergence, not
		// failure.
		if res.Failed() && !errors.Is(res.Err, gateway.ErrNotFound) {
			return res.Err
		}
		s.publishChange(OpDelete, op.TargetID, op.TargetID)
		return nil
	default:
		return ErrUnknownOperation
	}
}

// unwindStaged restores pre-staging state for one rejected operation.
func (s *Store) unwindStaged(op stagedOp) {
	s.mu.Lock()
	switch op.Kind {
	case OpInsert:
		s.collection = s.collection.WithRemoved(op.TargetID)
	case OpUpdate:
		// The row may be gone already if its insert was rejected first;
		// restoring the pre-image then would resurrect a row the backend
		// refused.
		if op.PreImage != nil && s.collection.IndexOf(op.TargetID) >= 0 {
			s.collection = s.collection.WithReplaced(op.TargetID, *op.PreImage)
		}
	case OpDelete:
		if op.PreImage != nil {
			s.collection = s.collection.WithAppended(*op.PreImage)
		}
	}
	s.mu.Unlock()
	s.metrics.RecordRollback("replay_rejected")
}

// StagedCount reports how many operations await replay.
func (s *Store) StagedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage.Len()
}

// IsOffline reports whether the store is accumulating staged operations.
func (s *Store) IsOffline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offline
}
