// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/monocorp/monoforge/modules/plumbing"
)

var _ error = (*ErrRefConflict)(nil)

// GetRef fetches one mega_refs row by path.
func (d *db) GetRef(ctx context.Context, path string) (*Ref, error) {
	row := d.QueryRowContext(ctx,
		"select path, commit_hash, tree_hash, updated_at from mega_refs where path = ?", path)
	return scanRef(row)
}

func scanRef(row *sql.Row) (*Ref, error) {
	var path, commitHex, treeHex string
	r := &Ref{}
	if err := row.Scan(&path, &commitHex, &treeHex, &r.UpdatedAt); err != nil {
		if isNoRows(err) {
			return nil, &ErrRefNotFound{Path: path}
		}
		return nil, err
	}
	r.Path = path
	commitHash, err := plumbing.NewHashEx(commitHex)
	if err != nil {
		return nil, fmt.Errorf("mono: ref %s: bad commit hash: %w", path, err)
	}
	treeHash, err := plumbing.NewHashEx(treeHex)
	if err != nil {
		return nil, fmt.Errorf("mono: ref %s: bad tree hash: %w", path, err)
	}
	r.CommitHash, r.TreeHash = commitHash, treeHash
	return r, nil
}

// ListRefsUnderPath lists every ref whose path is prefix or lies under it.
func (d *db) ListRefsUnderPath(ctx context.Context, prefix string) ([]*Ref, error) {
	rows, err := d.QueryContext(ctx,
		"select path, commit_hash, tree_hash, updated_at from mega_refs where path = ? or path like ?",
		prefix, prefix+"/%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []*Ref
	for rows.Next() {
		var path, commitHex, treeHex string
		r := &Ref{}
		if err := rows.Scan(&path, &commitHex, &treeHex, &r.UpdatedAt); err != nil {
			return nil, err
		}
		commitHash, err := plumbing.NewHashEx(commitHex)
		if err != nil {
			return nil, fmt.Errorf("mono: ref %s: bad commit hash: %w", path, err)
		}
		treeHash, err := plumbing.NewHashEx(treeHex)
		if err != nil {
			return nil, fmt.Errorf("mono: ref %s: bad tree hash: %w", path, err)
		}
		r.Path, r.CommitHash, r.TreeHash = path, commitHash, treeHash
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// CASUpdateRef applies the optimistic-concurrency ref update: begin a
// transaction, compare the current commit hash against oldCommit, update
// only if it still matches, and check RowsAffected to detect a lost race —
// the same begin/compare/update/RowsAffected/commit shape as the teacher's
// `doCreateBranch`/`DoBranchUpdate` in `pkg/serve/database/update.go`, here
// generalized from branch refs to arbitrary monorepo paths. A zero-value
// oldCommit (plumbing.ZeroHash) means "path must not currently have a ref",
// i.e. this is a creation rather than an update.
func (d *db) CASUpdateRef(ctx context.Context, path string, oldCommit, newCommit, newTree plumbing.Hash) (*Ref, error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mono: cas update ref %s: begin tx: %w", path, err)
	}

	var currentHex string
	err = tx.QueryRowContext(ctx, "select commit_hash from mega_refs where path = ? for update", path).Scan(&currentHex)
	switch {
	case isNoRows(err):
		if oldCommit != plumbing.ZeroHash {
			_ = tx.Rollback()
			return nil, &ErrRefConflict{Path: path, Expected: oldCommit, Actual: plumbing.ZeroHash}
		}
		_, err = tx.ExecContext(ctx,
			"insert into mega_refs(path, commit_hash, tree_hash, updated_at) values(?, ?, ?, now())",
			path, newCommit.String(), newTree.String())
		if err != nil {
			_ = tx.Rollback()
			if isDupEntry(err) {
				return nil, &ErrRefConflict{Path: path, Expected: oldCommit}
			}
			return nil, err
		}
	case err != nil:
		_ = tx.Rollback()
		return nil, fmt.Errorf("mono: cas update ref %s: %w", path, err)
	default:
		current, parseErr := plumbing.NewHashEx(currentHex)
		if parseErr != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("mono: cas update ref %s: bad stored hash: %w", path, parseErr)
		}
		if current != oldCommit {
			_ = tx.Rollback()
			return nil, &ErrRefConflict{Path: path, Expected: oldCommit, Actual: current}
		}
		res, execErr := tx.ExecContext(ctx,
			"update mega_refs set commit_hash = ?, tree_hash = ?, updated_at = now() where path = ? and commit_hash = ?",
			newCommit.String(), newTree.String(), path, oldCommit.String())
		if execErr != nil {
			_ = tx.Rollback()
			return nil, execErr
		}
		affected, raErr := res.RowsAffected()
		if raErr != nil {
			_ = tx.Rollback()
			return nil, raErr
		}
		if affected == 0 {
			_ = tx.Rollback()
			return nil, &ErrRefConflict{Path: path, Expected: oldCommit}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mono: cas update ref %s: commit: %w", path, err)
	}
	return &Ref{Path: path, CommitHash: newCommit, TreeHash: newTree}, nil
}

// DeleteRef removes a ref, enforcing the same CAS check on the commit it
// currently points at before deleting.
func (d *db) DeleteRef(ctx context.Context, path string, expectedCommit plumbing.Hash) error {
	res, err := d.ExecContext(ctx, "delete from mega_refs where path = ? and commit_hash = ?", path, expectedCommit.String())
	if err != nil {
		return fmt.Errorf("mono: delete ref %s: %w", path, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ErrRefConflict{Path: path, Expected: expectedCommit}
	}
	return nil
}

// ErrRefConflict is returned when a CAS ref update loses its race: another
// writer moved the ref since the caller last read it.
type ErrRefConflict struct {
	Path     string
	Expected plumbing.Hash
	Actual   plumbing.Hash
}

func (e *ErrRefConflict) Error() string {
	return fmt.Sprintf("mono: ref conflict at %s: expected %s, found %s", e.Path, e.Expected, e.Actual)
}

// Unwrap lets callers match this with errors.Is(err, plumbing.ErrRefConflict)
// without needing the path/expected/actual detail this type carries.
func (e *ErrRefConflict) Unwrap() error { return plumbing.ErrRefConflict }

func IsErrRefConflict(err error) bool {
	var e *ErrRefConflict
	return errors.As(err, &e)
}
