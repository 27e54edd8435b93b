// Package conflict reconciles externally-delivered authoritative snapshots
// with local state that may carry in-flight optimistic edits, and resolves
// true conflicts through a caller-supplied decision.
package conflict

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cartsync/cartsync/internal/core/models"
)

// Resolution is the outcome chosen for a conflicting item.
type Resolution uint8

const (
	LocalWins Resolution = iota
	RemoteWins
	Merged
)

func (r Resolution) String() string {
	switch r {
	case LocalWins:
		return "local"
	case RemoteWins:
		return "remote"
	case Merged:
		return "merged"
	default:
		return "unknown"
	}
}

// Record captures one resolved discrepancy. Records are transient: they live
// for the duration of a sync pass and feed the running conflict counter.
type Record struct {
	ItemID     string
	Local      models.Fields
	Remote     models.Fields
	Resolution Resolution
	Merged     models.Fields // set when Resolution == Merged
	ResolvedAt time.Time
}

// Callback decides a true conflict: a local/remote discrepancy with no
// pending operation explaining it. When it returns Merged it must also
// return the merged fields.
type Callback func(ctx context.Context, local, remote models.Fields) (Resolution, models.Fields, error)

// PendingView is the slice of registry state the merge pass needs: which
// targets have operations in flight and what those operations are changing.
type PendingView struct {
	// Targets holds every id with at least one pending operation.
	Targets mapset.Set[string]
	// InsertTargets holds temp ids of pending or staged inserts.
	InsertTargets mapset.Set[string]
	// DeleteTargets holds ids with a pending delete.
	DeleteTargets mapset.Set[string]
	// PatchFor returns the union of in-flight update patches for a target,
	// or nil when none apply.
	PatchFor func(id string) models.Fields
}

// EmptyPendingView reports no operations in flight.
func EmptyPendingView() PendingView {
	return PendingView{
		Targets:       mapset.NewSet[string](),
		InsertTargets: mapset.NewSet[string](),
		DeleteTargets: mapset.NewSet[string](),
		PatchFor:      func(string) models.Fields { return nil },
	}
}

// Merge folds an authoritative snapshot into the local collection without
// discarding in-flight edits:
//
//   - remote items with no pending operation are accepted outright;
//   - remote items with a pending update keep the in-flight patch fields on
//     top of the remote value, and a Record is emitted per merged item;
//   - ids with a pending delete stay absent locally;
//   - local pending inserts not yet visible remotely are kept untouched;
//   - remote items unknown locally are appended;
//   - settled local items missing remotely are dropped.
//
// The returned slice preserves local ordering for surviving items and
// appends remote-only items in snapshot order.
func Merge(local, remote []models.Item, pending PendingView) ([]models.Item, []Record) {
	remoteByID := make(map[string]models.Item, len(remote))
	for _, it := range remote {
		remoteByID[it.ID] = it
	}

	var (
		out     []models.Item
		records []Record
		seen    = mapset.NewSet[string]()
		now     = time.Now()
	)

	for _, localItem := range local {
		remoteItem, existsRemotely := remoteByID[localItem.ID]
		switch {
		case existsRemotely && pending.Targets.Contains(localItem.ID):
			patch := pending.PatchFor(localItem.ID)
			merged := remoteItem.WithPatch(patch)
			out = append(out, merged)
			records = append(records, Record{
				ItemID:     localItem.ID,
				Local:      localItem.Fields.Clone(),
				Remote:     remoteItem.Fields.Clone(),
				Resolution: Merged,
				Merged:     merged.Fields.Clone(),
				ResolvedAt: now,
			})
			seen.Add(localItem.ID)
		case existsRemotely:
			out = append(out, remoteItem.Clone())
			seen.Add(localItem.ID)
		case pending.Targets.Contains(localItem.ID) || pending.InsertTargets.Contains(localItem.ID):
			// Not visible server-side yet; keep the speculative row.
			out = append(out, localItem.Clone())
		default:
			// Settled locally, gone remotely: deleted by another session.
		}
	}

	for _, remoteItem := range remote {
		if seen.Contains(remoteItem.ID) {
			continue
		}
		if pending.DeleteTargets.Contains(remoteItem.ID) {
			// Locally deleted, in flight; keep it gone.
			continue
		}
		out = append(out, remoteItem.Clone())
	}

	return out, records
}

// Resolve walks items present in both collections whose values differ with
// no pending operation backing the difference, and lets cb pick a side. The
// returned items are local with resolutions applied; one Record is appended
// per resolved conflict regardless of outcome.
func Resolve(ctx context.Context, local, remote []models.Item, pending PendingView, cb Callback) ([]models.Item, []Record, error) {
	remoteByID := make(map[string]models.Item, len(remote))
	for _, it := range remote {
		remoteByID[it.ID] = it
	}

	out := make([]models.Item, len(local))
	copy(out, local)

	var records []Record
	for i, localItem := range out {
		remoteItem, ok := remoteByID[localItem.ID]
		if !ok || pending.Targets.Contains(localItem.ID) {
			continue
		}
		if localItem.Fields.Equal(remoteItem.Fields) {
			continue
		}

		resolution, merged, err := cb(ctx, localItem.Fields.Clone(), remoteItem.Fields.Clone())
		if err != nil {
			return nil, records, err
		}

		record := Record{
			ItemID:     localItem.ID,
			Local:      localItem.Fields.Clone(),
			Remote:     remoteItem.Fields.Clone(),
			Resolution: resolution,
			ResolvedAt: time.Now(),
		}
		switch resolution {
		case RemoteWins:
			out[i] = remoteItem.Clone()
		case Merged:
			out[i] = models.Item{ID: localItem.ID, Fields: merged.Clone()}
			record.Merged = merged.Clone()
		case LocalWins:
			// keep local
		}
		records = append(records, record)
	}
	return out, records, nil
}
