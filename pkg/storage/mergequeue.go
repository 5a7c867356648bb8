// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// MergeQueueStatus is the closed set a merge_queue row's status column is
// drawn from (§3.1).
type MergeQueueStatus string

const (
	MergeWaiting MergeQueueStatus = "Waiting"
	MergeTesting MergeQueueStatus = "Testing"
	MergeMerging MergeQueueStatus = "Merging"
	MergeMerged  MergeQueueStatus = "Merged"
	MergeFailed  MergeQueueStatus = "Failed"
)

// MergeQueueEntry is one merge_queue row (§3.1).
type MergeQueueEntry struct {
	CLLink       string
	Position     int64
	Status       MergeQueueStatus
	RetryCount   int
	FailureType  string
	ErrorMessage string
}

// CheckResult is one check_result row, keyed by (cl_link, check_type) with
// upsert semantics (§3.2 invariant 8).
type CheckResult struct {
	CLLink    string
	CheckType string
	Status    string
	Message   string
	CommitID  string
}

func (d *db) InsertMergeQueueEntry(ctx context.Context, e *MergeQueueEntry) error {
	_, err := d.ExecContext(ctx,
		"insert into merge_queue(cl_link, position, status, retry_count, failure_type, error_message) values (?, ?, ?, ?, ?, ?)",
		e.CLLink, e.Position, string(e.Status), e.RetryCount, e.FailureType, e.ErrorMessage)
	return err
}

func (d *db) GetMergeQueueEntry(ctx context.Context, link string) (*MergeQueueEntry, error) {
	row := d.QueryRowContext(ctx,
		"select cl_link, position, status, retry_count, failure_type, error_message from merge_queue where cl_link = ?", link)
	return scanMergeQueueEntry(row)
}

func scanMergeQueueEntry(row *sql.Row) (*MergeQueueEntry, error) {
	e := &MergeQueueEntry{}
	var status string
	if err := row.Scan(&e.CLLink, &e.Position, &status, &e.RetryCount, &e.FailureType, &e.ErrorMessage); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("mono: merge queue entry not found")
		}
		return nil, err
	}
	e.Status = MergeQueueStatus(status)
	return e, nil
}

// OldestWaitingMergeQueueEntry implements §4.8 step 1: find the oldest
// Waiting entry by position, returning (nil, nil) if the queue is empty.
func (d *db) OldestWaitingMergeQueueEntry(ctx context.Context) (*MergeQueueEntry, error) {
	row := d.QueryRowContext(ctx,
		"select cl_link, position, status, retry_count, failure_type, error_message from merge_queue where status = 'Waiting' order by position asc limit 1")
	e, err := scanMergeQueueEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

// MergeQueuePosition implements the read API's get-merge-queue-position
// query (SPEC_FULL.md §C.3): 1-based rank of link among Waiting entries
// ordered by position, and the total number of Waiting entries. Returns
// (0, total, nil) if link isn't currently Waiting (e.g. already Testing,
// Merging, or not queued at all) — a zero position is never a valid rank.
func (d *db) MergeQueuePosition(ctx context.Context, link string) (int, int, error) {
	var total int
	if err := d.QueryRowContext(ctx, "select count(*) from merge_queue where status = 'Waiting'").Scan(&total); err != nil {
		return 0, 0, err
	}
	var ownPosition int64
	err := d.QueryRowContext(ctx, "select position from merge_queue where cl_link = ? and status = 'Waiting'", link).Scan(&ownPosition)
	if err != nil {
		if isNoRows(err) {
			return 0, total, nil
		}
		return 0, 0, err
	}
	var rank int
	if err := d.QueryRowContext(ctx,
		"select count(*) from merge_queue where status = 'Waiting' and position <= ?", ownPosition).Scan(&rank); err != nil {
		return 0, 0, err
	}
	return rank, total, nil
}

func (d *db) UpdateMergeQueueStatus(ctx context.Context, link string, status MergeQueueStatus, failureType, message string) error {
	_, err := d.ExecContext(ctx,
		"update merge_queue set status = ?, failure_type = ?, error_message = ? where cl_link = ?",
		string(status), failureType, message, link)
	return err
}

// RetryMergeQueueEntry implements §4.8 step 4: bump retry_count (bounded by
// maxRetries), clear failure fields, reset to Waiting with newPosition — a
// timestamp the caller supplies, since the storage layer has no clock of
// its own.
func (d *db) RetryMergeQueueEntry(ctx context.Context, link string, maxRetries int, newPosition int64) (*MergeQueueEntry, error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mono: retry merge queue entry: begin tx: %w", err)
	}
	row := tx.QueryRowContext(ctx,
		"select cl_link, position, status, retry_count, failure_type, error_message from merge_queue where cl_link = ? for update", link)
	var e MergeQueueEntry
	var status string
	if err := row.Scan(&e.CLLink, &e.Position, &status, &e.RetryCount, &e.FailureType, &e.ErrorMessage); err != nil {
		_ = tx.Rollback()
		if isNoRows(err) {
			return nil, fmt.Errorf("mono: merge queue entry not found")
		}
		return nil, err
	}
	e.Status = MergeQueueStatus(status)
	if e.RetryCount >= maxRetries {
		_ = tx.Rollback()
		return nil, &ErrRetryExhausted{CLLink: link}
	}
	e.RetryCount++
	e.FailureType, e.ErrorMessage = "", ""
	e.Status = MergeWaiting
	e.Position = newPosition
	if _, err := tx.ExecContext(ctx,
		"update merge_queue set status = 'Waiting', retry_count = ?, failure_type = '', error_message = '', position = ? where cl_link = ?",
		e.RetryCount, newPosition, link); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mono: retry merge queue entry: commit: %w", err)
	}
	return &e, nil
}

func (d *db) CancelAllPendingMergeQueueEntries(ctx context.Context) (int64, error) {
	res, err := d.ExecContext(ctx,
		"update merge_queue set status = 'Failed', failure_type = 'SystemError', error_message = 'Operation cancelled by user' where status in ('Waiting', 'Testing')")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReconcileStuckMergeQueueEntries fails every Waiting, Testing, or Merging
// entry as SystemError. Unlike CancelAllPendingMergeQueueEntries (a live
// cancel-all that leaves an in-flight Merging entry alone), this also
// catches Merging, since a process that's restarting can't have anything
// genuinely in flight — any Merging row it sees is a crash leftover from
// before the restart, not live work.
func (d *db) ReconcileStuckMergeQueueEntries(ctx context.Context) (int64, error) {
	res, err := d.ExecContext(ctx,
		"update merge_queue set status = 'Failed', failure_type = 'SystemError', error_message = 'reconciled after restart' where status in ('Waiting', 'Testing', 'Merging')")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *db) UpsertCheckResult(ctx context.Context, r *CheckResult) error {
	_, err := d.ExecContext(ctx,
		"insert into check_result(cl_link, check_type, status, message, commit_id) values (?, ?, ?, ?, ?) on duplicate key update status = values(status), message = values(message), commit_id = values(commit_id)",
		r.CLLink, r.CheckType, r.Status, r.Message, r.CommitID)
	return err
}

func (d *db) ListCheckResults(ctx context.Context, link string) ([]*CheckResult, error) {
	rows, err := d.QueryContext(ctx,
		"select cl_link, check_type, status, message, commit_id from check_result where cl_link = ?", link)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*CheckResult
	for rows.Next() {
		r := &CheckResult{}
		if err := rows.Scan(&r.CLLink, &r.CheckType, &r.Status, &r.Message, &r.CommitID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ErrRetryExhausted is returned by RetryMergeQueueEntry when retry_count has
// already reached the configured max.
type ErrRetryExhausted struct {
	CLLink string
}

func (e *ErrRetryExhausted) Error() string {
	return fmt.Sprintf("mono: retry exhausted for %s", e.CLLink)
}

func IsErrRetryExhausted(err error) bool {
	var e *ErrRetryExhausted
	return errors.As(err, &e)
}
