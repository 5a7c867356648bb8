// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/monocorp/monoforge/modules/plumbing"
)

// CLStatus is the closed set a Change List's status column is drawn from
// (§3.1).
type CLStatus string

const (
	CLDraft  CLStatus = "Draft"
	CLOpen   CLStatus = "Open"
	CLClosed CLStatus = "Closed"
	CLMerged CLStatus = "Merged"
)

// CL is one mega_cl row.
type CL struct {
	Link      string
	Path      string
	Title     string
	Status    CLStatus
	FromHash  plumbing.Hash
	ToHash    plumbing.Hash
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Conversation is one append-only mega_conversation row: an audit-log entry
// attached to a CL (§4.7).
type Conversation struct {
	ID     int64
	CLLink string
	Actor  string
	Kind   string
	Body   string
	At     time.Time
}

// InsertCL creates a new mega_cl row; fails with a duplicate-entry MySQL
// error if link collides (links are generated by the caller, §4.7 treats
// this as vanishingly unlikely given an 8-character opaque id space).
func (d *db) InsertCL(ctx context.Context, cl *CL) error {
	_, err := d.ExecContext(ctx,
		`insert into mega_cl(link, path, title, status, from_hash, to_hash, author, created_at, updated_at)
		 values (?, ?, ?, ?, ?, ?, ?, now(), now())`,
		cl.Link, cl.Path, cl.Title, string(cl.Status), cl.FromHash.String(), cl.ToHash.String(), cl.Author)
	return err
}

// GetCL fetches one mega_cl row by link.
func (d *db) GetCL(ctx context.Context, link string) (*CL, error) {
	row := d.QueryRowContext(ctx,
		"select link, path, title, status, from_hash, to_hash, author, created_at, updated_at from mega_cl where link = ?", link)
	return scanCL(row)
}

func scanCL(row *sql.Row) (*CL, error) {
	var link string
	var path, title, status, fromHex, toHex, author string
	var createdAt, updatedAt time.Time
	if err := row.Scan(&link, &path, &title, &status, &fromHex, &toHex, &author, &createdAt, &updatedAt); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("mono: cl %s: %w", link, &ErrObjectNotFound{Hash: link})
		}
		return nil, err
	}
	fromHash, err := plumbing.NewHashEx(fromHex)
	if err != nil {
		return nil, err
	}
	toHash, err := plumbing.NewHashEx(toHex)
	if err != nil {
		return nil, err
	}
	return &CL{Link: link, Path: path, Title: title, Status: CLStatus(status),
		FromHash: fromHash, ToHash: toHash, Author: author, CreatedAt: createdAt, UpdatedAt: updatedAt}, nil
}

// GetOpenOrDraftCLForPath returns the single Draft/Open CL for path, if any
// — the lookup §3.2 invariant 5 (CL exclusivity per path) depends on.
func (d *db) GetOpenOrDraftCLForPath(ctx context.Context, path string) (*CL, error) {
	row := d.QueryRowContext(ctx,
		"select link, path, title, status, from_hash, to_hash, author, created_at, updated_at from mega_cl where path = ? and status in ('Draft', 'Open') limit 1",
		path)
	return scanCL(row)
}

// ListCLs implements the read API's list-CLs query (SPEC_FULL.md §C.3):
// every CL whose path starts with pathPrefix, optionally narrowed to one
// status, newest first. An empty pathPrefix matches every CL; an empty
// status matches every status.
func (d *db) ListCLs(ctx context.Context, pathPrefix string, status CLStatus) ([]*CL, error) {
	query := "select link, path, title, status, from_hash, to_hash, author, created_at, updated_at from mega_cl where path like ?"
	args := []any{pathPrefix + "%"}
	if status != "" {
		query += " and status = ?"
		args = append(args, string(status))
	}
	query += " order by created_at desc"
	rows, err := d.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*CL
	for rows.Next() {
		var link, path, title, statusCol, fromHex, toHex, author string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&link, &path, &title, &statusCol, &fromHex, &toHex, &author, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		fromHash, err := plumbing.NewHashEx(fromHex)
		if err != nil {
			return nil, err
		}
		toHash, err := plumbing.NewHashEx(toHex)
		if err != nil {
			return nil, err
		}
		out = append(out, &CL{Link: link, Path: path, Title: title, Status: CLStatus(statusCol),
			FromHash: fromHash, ToHash: toHash, Author: author, CreatedAt: createdAt, UpdatedAt: updatedAt})
	}
	return out, rows.Err()
}

// UpdateCLStatus transitions a CL's status, optionally rewriting its
// to_hash (force-update), inside a single statement so the (path, status)
// exclusivity check a caller already performed cannot be invalidated
// between the check and the write under the same transaction the caller
// holds open.
func (d *db) UpdateCLStatus(ctx context.Context, link string, status CLStatus, newToHash *plumbing.Hash) error {
	if newToHash != nil {
		_, err := d.ExecContext(ctx, "update mega_cl set status = ?, to_hash = ?, updated_at = now() where link = ?",
			string(status), newToHash.String(), link)
		return err
	}
	_, err := d.ExecContext(ctx, "update mega_cl set status = ?, updated_at = now() where link = ?", string(status), link)
	return err
}

// InsertConversation appends one audit-log row (§4.7: "each transition
// writes a Conversation record").
func (d *db) InsertConversation(ctx context.Context, c *Conversation) error {
	_, err := d.ExecContext(ctx,
		"insert into mega_conversation(cl_link, actor, kind, body, created_at) values (?, ?, ?, ?, now())",
		c.CLLink, c.Actor, c.Kind, c.Body)
	return err
}

// ListConversations returns a CL's audit log in chronological order.
func (d *db) ListConversations(ctx context.Context, link string) ([]*Conversation, error) {
	rows, err := d.QueryContext(ctx,
		"select id, cl_link, actor, kind, body, created_at from mega_conversation where cl_link = ? order by created_at asc, id asc",
		link)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.ID, &c.CLLink, &c.Actor, &c.Kind, &c.Body, &c.At); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertCLCommit records one pack-ingested commit as belonging to a CL
// (mega_cl_commits), the join table supporting "which commits landed under
// this CL" queries without re-walking the DAG.
func (d *db) InsertCLCommit(ctx context.Context, link string, commit plumbing.Hash) error {
	_, err := d.ExecContext(ctx,
		"insert into mega_cl_commits(cl_link, commit_hash) values (?, ?) on duplicate key update commit_hash = values(commit_hash)",
		link, commit.String())
	return err
}

// Label is a tag attachable to a CL (supplemented feature, §C).
type Label struct {
	CLLink string
	Name   string
	Color  string
}

func (d *db) AddLabel(ctx context.Context, l *Label) error {
	_, err := d.ExecContext(ctx,
		"insert into label(cl_link, name, color) values (?, ?, ?) on duplicate key update color = values(color)",
		l.CLLink, l.Name, l.Color)
	return err
}

func (d *db) RemoveLabel(ctx context.Context, link, name string) error {
	_, err := d.ExecContext(ctx, "delete from label where cl_link = ? and name = ?", link, name)
	return err
}

func (d *db) ListLabels(ctx context.Context, link string) ([]*Label, error) {
	rows, err := d.QueryContext(ctx, "select cl_link, name, color from label where cl_link = ?", link)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Label
	for rows.Next() {
		l := &Label{}
		if err := rows.Scan(&l.CLLink, &l.Name, &l.Color); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AddAssignee/RemoveAssignee/ListAssignees manage item_assignees, the
// supplemented reviewer/assignee feature (§C).
func (d *db) AddAssignee(ctx context.Context, link, user string) error {
	_, err := d.ExecContext(ctx,
		"insert into item_assignees(cl_link, username) values (?, ?) on duplicate key update username = values(username)",
		link, user)
	return err
}

func (d *db) RemoveAssignee(ctx context.Context, link, user string) error {
	_, err := d.ExecContext(ctx, "delete from item_assignees where cl_link = ? and username = ?", link, user)
	return err
}

func (d *db) ListAssignees(ctx context.Context, link string) ([]string, error) {
	rows, err := d.QueryContext(ctx, "select username from item_assignees where cl_link = ?", link)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
