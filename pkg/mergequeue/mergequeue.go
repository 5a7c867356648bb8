// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package mergequeue implements the Merge Queue component (C8): the serial
// Waiting→Testing→Merging→Merged/Failed scheduler that gates Change Lists
// through checks before letting them cascade into the monorepo root.
// Grounded on `golang.org/x/sync/singleflight` for the single-flight
// Merging invariant (§3.2 #7) — the same module (`golang.org/x/sync`)
// already supplies `errgroup` to `modules/pack`'s decoder, here used for
// its sibling primitive instead of a hand-rolled mutex/channel gate.
package mergequeue

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/pkg/clengine"
	"github.com/monocorp/monoforge/pkg/storage"
)

// CheckRunner runs one gating check (declared by policy) against a CL and
// reports its result; Queue upserts the outcome into CheckResult.
type CheckRunner interface {
	CheckType() string
	Required() bool
	Run(ctx context.Context, cl *storage.CL) (status, message string, err error)
}

// MergeInputSource supplies the cascade inputs (the commit authored for the
// merge, and the subtree hash it should land) once a CL's checks all pass —
// in production this comes from the CL's pending commits persisted by the
// Pack Decoder; tests can stub it directly.
type MergeInputSource interface {
	PrepareMerge(ctx context.Context, cl *storage.CL) (newSubtreeHash plumbing.Hash, subCommit *object.Commit, err error)
}

const (
	checkStatusSuccess = "success"
)

// Queue is the merge-queue scheduler. One Queue instance must run its Tick
// loop single-threaded (or behind the embedded singleflight.Group, which
// collapses concurrent Tick calls into one in-flight run) to uphold the
// at-most-one-Merging invariant.
type Queue struct {
	db          storage.DB
	cl          *clengine.Engine
	checks      []CheckRunner
	merges      MergeInputSource
	rootRefPath string
	maxRetries  int
	sf          singleflight.Group
}

func New(db storage.DB, cl *clengine.Engine, checks []CheckRunner, merges MergeInputSource, rootRefPath string, maxRetries int) *Queue {
	return &Queue{db: db, cl: cl, checks: checks, merges: merges, rootRefPath: rootRefPath, maxRetries: maxRetries}
}

// Enqueue adds a CL to the queue as Waiting, positioned by positionUnixMilli
// (a monotonic epoch-millisecond value the caller supplies, §3.1).
func (q *Queue) Enqueue(ctx context.Context, clLink string, positionUnixMilli int64) error {
	return q.db.InsertMergeQueueEntry(ctx, &storage.MergeQueueEntry{
		CLLink: clLink, Position: positionUnixMilli, Status: storage.MergeWaiting,
	})
}

// Tick runs one scheduler iteration (§4.8 steps 1-3): find the oldest
// Waiting entry, run it through Testing then Merging, and return whether
// any entry was processed. Concurrent calls to Tick collapse into a single
// in-flight run via singleflight, which is what actually enforces the
// at-most-one-Merging invariant (§3.2 #7) regardless of how many goroutines
// call Tick.
func (q *Queue) Tick(ctx context.Context) (processed bool, err error) {
	v, err, _ := q.sf.Do("tick", func() (interface{}, error) {
		return q.tickLocked(ctx)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (q *Queue) tickLocked(ctx context.Context) (bool, error) {
	entry, err := q.db.OldestWaitingMergeQueueEntry(ctx)
	if err != nil {
		return false, fmt.Errorf("mono: merge queue tick: %w", err)
	}
	if entry == nil {
		return false, nil
	}

	cl, err := q.db.GetCL(ctx, entry.CLLink)
	if err != nil {
		return false, fmt.Errorf("mono: merge queue tick: %w", err)
	}

	if err := q.db.UpdateMergeQueueStatus(ctx, entry.CLLink, storage.MergeTesting, "", ""); err != nil {
		return false, fmt.Errorf("mono: merge queue tick: %w", err)
	}

	if failMsg, ok, err := q.runChecks(ctx, cl); err != nil {
		return false, fmt.Errorf("mono: merge queue tick: %w", err)
	} else if !ok {
		if err := q.db.UpdateMergeQueueStatus(ctx, entry.CLLink, storage.MergeFailed, "CheckFailure", failMsg); err != nil {
			return false, fmt.Errorf("mono: merge queue tick: %w", err)
		}
		return true, nil
	}

	if err := q.db.UpdateMergeQueueStatus(ctx, entry.CLLink, storage.MergeMerging, "", ""); err != nil {
		return false, fmt.Errorf("mono: merge queue tick: %w", err)
	}

	expectedRoot := plumbing.ZeroHash
	rootRef, err := q.db.GetRef(ctx, q.rootRefPath)
	if err != nil && !storage.IsErrRefNotFound(err) {
		return false, fmt.Errorf("mono: merge queue tick: %w", err)
	}
	if rootRef != nil {
		expectedRoot = rootRef.CommitHash
	}
	newSubtreeHash, subCommit, err := q.merges.PrepareMerge(ctx, cl)
	if err != nil {
		return false, fmt.Errorf("mono: merge queue tick: %w", err)
	}

	if _, err := q.cl.Merge(ctx, cl.Link, q.rootRefPath, expectedRoot, newSubtreeHash, subCommit); err != nil {
		if err == plumbing.ErrRefConflict || storage.IsErrRefConflict(err) {
			if failErr := q.db.UpdateMergeQueueStatus(ctx, entry.CLLink, storage.MergeFailed, "RefConflict", err.Error()); failErr != nil {
				return false, fmt.Errorf("mono: merge queue tick: %w", failErr)
			}
			return true, nil
		}
		return false, fmt.Errorf("mono: merge queue tick: %w", err)
	}

	if err := q.db.UpdateMergeQueueStatus(ctx, entry.CLLink, storage.MergeMerged, "", ""); err != nil {
		return false, fmt.Errorf("mono: merge queue tick: %w", err)
	}
	return true, nil
}

// runChecks invokes every declared check, upserting its CheckResult; a
// required check returning non-success fails the whole tick (§4.8 step 2).
func (q *Queue) runChecks(ctx context.Context, cl *storage.CL) (failureMessage string, ok bool, err error) {
	allPass := true
	var firstFailure string
	for _, c := range q.checks {
		status, message, runErr := c.Run(ctx, cl)
		if runErr != nil {
			return "", false, runErr
		}
		if upsertErr := q.db.UpsertCheckResult(ctx, &storage.CheckResult{
			CLLink: cl.Link, CheckType: c.CheckType(), Status: status, Message: message, CommitID: cl.ToHash.String(),
		}); upsertErr != nil {
			return "", false, upsertErr
		}
		if c.Required() && status != checkStatusSuccess {
			allPass = false
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("%s: %s", c.CheckType(), message)
			}
		}
	}
	return firstFailure, allPass, nil
}

// Retry implements §4.8 step 4: retry(cl), bounded by MAX_RETRY_ATTEMPTS.
func (q *Queue) Retry(ctx context.Context, clLink string, nowUnixMilli int64) error {
	_, err := q.db.RetryMergeQueueEntry(ctx, clLink, q.maxRetries, nowUnixMilli)
	if err != nil {
		if storage.IsErrRetryExhausted(err) {
			return &ErrRetryExhausted{CLLink: clLink}
		}
		return fmt.Errorf("mono: retry: %w", err)
	}
	return nil
}

// Position reports a CL's 1-based rank among Waiting entries and the total
// Waiting count, backing the read API's get-merge-queue-position query
// (SPEC_FULL.md §C.3). Position is 0 if the CL isn't currently Waiting.
func (q *Queue) Position(ctx context.Context, clLink string) (position int, total int, err error) {
	position, total, err = q.db.MergeQueuePosition(ctx, clLink)
	if err != nil {
		return 0, 0, fmt.Errorf("mono: merge queue position: %w", err)
	}
	return position, total, nil
}

// CancelAllPending implements cancel_all_pending(): every Waiting/Testing
// entry transitions to Failed(SystemError). Merging entries are never
// cancelled mid-flight (§4.8).
func (q *Queue) CancelAllPending(ctx context.Context) (int64, error) {
	n, err := q.db.CancelAllPendingMergeQueueEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("mono: cancel_all_pending: %w", err)
	}
	return n, nil
}

// ReconcileOnStartup fails every entry left in Waiting, Testing, or Merging
// from a prior process's crash, so a restarted server doesn't leave a CL
// stuck behind a scheduler run that will never resume it. Callers run this
// once at boot, before the Tick loop starts accepting new work.
func (q *Queue) ReconcileOnStartup(ctx context.Context) (int64, error) {
	n, err := q.db.ReconcileStuckMergeQueueEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("mono: reconcile on startup: %w", err)
	}
	return n, nil
}

// ErrRetryExhausted mirrors storage.ErrRetryExhausted at the queue's public
// API boundary so callers don't need to import pkg/storage's error type
// directly.
type ErrRetryExhausted struct{ CLLink string }

func (e *ErrRetryExhausted) Error() string {
	return fmt.Sprintf("mono: retry exhausted for cl %s", e.CLLink)
}
