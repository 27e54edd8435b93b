package optimistic

import (
	"context"
	"time"

	"github.com/cartsync/cartsync/internal/core/conflict"
	"github.com/cartsync/cartsync/internal/core/models"
	"github.com/cartsync/cartsync/internal/core/observability/log"
)

// Resync fetches the authoritative record set and merges it in. Concurrent
// callers collapse onto a single fetch.
func (s *Store) Resync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err, _ := s.sf.Do("resync", func() (any, error) {
		s.setSyncInProgress(true)
		defer s.setSyncInProgress(false)

		snapshot, err := s.gw.ListAll(ctx)
		if err != nil {
			return nil, err
		}
		s.SyncWithRemote(snapshot)
		s.metrics.RecordResync()
		return nil, nil
	})
	return err
}

// SyncWithRemote merges a remote snapshot into the collection without
// waiting for pending operations to drain: settled rows converge on the
// snapshot while rows with in-flight or staged mutations keep their local
// values for exactly the fields those mutations touch.
func (s *Store) SyncWithRemote(snapshot []models.Item) {
	view := s.pendingView()

	s.mu.Lock()
	merged, records := conflict.Merge(s.collection.Items(), snapshot, view)
	s.collection = NewCollection(merged...)
	now := time.Now()
	s.syncState.LastSync = &now
	s.syncState.ConflictCount += int64(len(records))
	s.mu.Unlock()

	for range records {
		s.metrics.RecordConflict()
	}
	s.logger.Debug("merged remote snapshot",
		log.Int("remote", len(snapshot)),
		log.Int("merged", len(merged)),
		log.Int("conflicts", len(records)))
}

// ResolveConflicts merges a remote snapshot like SyncWithRemote but routes
// each true conflict through the configured resolver callback, which picks
// the local value, the remote value or a merged one.
func (s *Store) ResolveConflicts(ctx context.Context, snapshot []models.Item) ([]conflict.Record, error) {
	if s.resolver == nil {
		return nil, ErrNoResolver
	}
	view := s.pendingView()

	s.mu.RLock()
	local := s.collection.Items()
	s.mu.RUnlock()

	merged, records, err := conflict.Resolve(ctx, local, snapshot, view, s.resolver)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.collection = NewCollection(merged...)
	now := time.Now()
	s.syncState.LastSync = &now
	s.syncState.ConflictCount += int64(len(records))
	s.mu.Unlock()

	for range records {
		s.metrics.RecordConflict()
	}
	return records, nil
}

// pendingView combines in-flight registry operations with staged offline
// ones; both must shield local state during a merge.
func (s *Store) pendingView() conflict.PendingView {
	ops := s.reg.list()

	s.mu.RLock()
	staged := s.stage.Items()
	s.mu.RUnlock()

	for _, op := range staged {
		ops = append(ops, op.asPending())
	}
	return viewOf(ops)
}

func (s *Store) setSyncInProgress(v bool) {
	s.mu.Lock()
	s.syncState.SyncInProgress = v
	s.mu.Unlock()
}

// backupLoop persists the settled collection on a fixed cadence until the
// store closes.
func (s *Store) backupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.BackupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.backupNow()
		case <-s.baseCtx.Done():
			return
		}
	}
}

// BackupNow persists the current settled state immediately.
func (s *Store) BackupNow() error {
	if s.backups == nil {
		return nil
	}
	return s.backupNow()
}

// backupNow writes the backup snapshot: settled rows always, provisional
// temp-id rows only while offline, where they are the sole record of the
// user's intent.
func (s *Store) backupNow() error {
	s.mu.RLock()
	items := s.collection.Items()
	offline := s.offline
	s.mu.RUnlock()

	out := make([]models.Item, 0, len(items))
	for _, item := range items {
		if s.isProvisional(item.ID) && !offline {
			continue
		}
		out = append(out, item)
	}

	if err := s.backups.Backup(out); err != nil {
		s.logger.Warn("backup failed", log.Err(err))
		return err
	}
	s.metrics.RecordBackup()
	return nil
}
