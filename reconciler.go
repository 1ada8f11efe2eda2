package statesync

import (
	"context"
	"log/slog"

	syncErrors "github.com/lucidjournal/statesync/errors"
)

// ConflictSet maps a record ID to the divergent versions of that record
// observed during one sync cycle. It is transient: built by the reconciler,
// consumed by the resolver within the same cycle.
type ConflictSet map[string][]CoreRecord

func (cs ConflictSet) add(id string, records ...CoreRecord) {
	cs[id] = append(cs[id], records...)
}

// reconciler pulls remote state, diffs it against the local copy and
// assembles conflict sets where the two diverge.
type reconciler struct {
	store  RecordStore
	remote RemoteSource
	logger *slog.Logger
}

func (r *reconciler) hasRemoteChanges(ctx context.Context) (bool, error) {
	ok, err := r.remote.HasUpdates(ctx)
	if err != nil {
		return false, syncErrors.NewNetworkError(syncErrors.OpPull, err)
	}
	return ok, nil
}

// pullAndDiff fetches the authoritative records and diffs them against the
// local store. It returns the conflict set for records whose version markers
// diverge, plus the local-only records that still need a push.
//
// Records present only remotely are new arrivals: written straight to the
// store, never conflicts. Records present only locally have simply not been
// pushed yet; they are returned for the push step, never conflicts. Queued
// edits for a conflicted record join its candidate list as a third version.
func (r *reconciler) pullAndDiff(ctx context.Context, queued []QueuedUpdate) (ConflictSet, []CoreRecord, error) {
	remote, err := r.remote.FetchAll(ctx)
	if err != nil {
		return nil, nil, syncErrors.NewNetworkError(syncErrors.OpPull, err)
	}

	local, err := r.store.List(ctx)
	if err != nil {
		return nil, nil, syncErrors.NewStorageError(syncErrors.OpReconcile, err)
	}
	localByID := make(map[string]CoreRecord, len(local))
	for _, rec := range local {
		localByID[rec.ID] = rec
	}

	conflicts := make(ConflictSet)
	remoteSeen := make(map[string]struct{}, len(remote))

	for _, rem := range remote {
		remoteSeen[rem.ID] = struct{}{}

		loc, ok := localByID[rem.ID]
		if !ok {
			if err := r.store.Put(ctx, rem); err != nil {
				return nil, nil, syncErrors.NewStorageError(syncErrors.OpReconcile, err)
			}
			r.logger.Debug("new remote record stored", slog.String("target_id", rem.ID))
			continue
		}
		if !loc.LastUpdatedAt.Equal(rem.LastUpdatedAt) {
			conflicts.add(rem.ID, loc, rem)
			for _, q := range queued {
				if q.TargetID != rem.ID {
					continue
				}
				for _, qr := range q.Records {
					if qr.ID == rem.ID {
						conflicts.add(rem.ID, qr)
					}
				}
			}
		}
	}

	var toPush []CoreRecord
	for _, rec := range local {
		if _, ok := remoteSeen[rec.ID]; !ok {
			toPush = append(toPush, rec)
		}
	}

	return conflicts, toPush, nil
}
