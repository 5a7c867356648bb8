// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package storage implements the Object Storage component (C4): persisting
// Commit/Tree/Tag rows and blob metadata to MySQL, routing blob bytes to a
// pluggable raw-blob backend, and maintaining the refs table's optimistic
// concurrency invariant.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
)

// DB is the full storage surface exposed to the rest of the engine: object
// CRUD, ref CRUD with its compare-and-swap update, and the connection
// lifecycle. Kept as an interface — the teacher's own `database.DB`
// abstraction follows the same shape — so callers can be exercised against
// a fake in tests without a MySQL instance.
type DB interface {
	Database() *sql.DB
	Close() error

	PutObject(ctx context.Context, oid plumbing.Hash, t object.Type, payload []byte) error
	GetObject(ctx context.Context, oid plumbing.Hash) (object.Type, []byte, error)
	GetTree(ctx context.Context, oid plumbing.Hash) (*object.Tree, error)
	HasObject(ctx context.Context, oid plumbing.Hash) (bool, error)
	BatchPutObjects(ctx context.Context, objs []PendingObject) error

	PutRawBlob(ctx context.Context, oid plumbing.Hash, content []byte) error
	GetRawBlob(ctx context.Context, oid plumbing.Hash) ([]byte, error)

	GetRef(ctx context.Context, path string) (*Ref, error)
	ListRefsUnderPath(ctx context.Context, prefix string) ([]*Ref, error)
	CASUpdateRef(ctx context.Context, path string, oldCommit, newCommit, newTree plumbing.Hash) (*Ref, error)
	DeleteRef(ctx context.Context, path string, expectedCommit plumbing.Hash) error

	InsertCL(ctx context.Context, cl *CL) error
	GetCL(ctx context.Context, link string) (*CL, error)
	GetOpenOrDraftCLForPath(ctx context.Context, path string) (*CL, error)
	ListCLs(ctx context.Context, pathPrefix string, status CLStatus) ([]*CL, error)
	UpdateCLStatus(ctx context.Context, link string, status CLStatus, newToHash *plumbing.Hash) error
	InsertConversation(ctx context.Context, c *Conversation) error
	ListConversations(ctx context.Context, link string) ([]*Conversation, error)
	InsertCLCommit(ctx context.Context, link string, commit plumbing.Hash) error
	AddLabel(ctx context.Context, l *Label) error
	RemoveLabel(ctx context.Context, link, name string) error
	ListLabels(ctx context.Context, link string) ([]*Label, error)
	AddAssignee(ctx context.Context, link, user string) error
	RemoveAssignee(ctx context.Context, link, user string) error
	ListAssignees(ctx context.Context, link string) ([]string, error)

	InsertMergeQueueEntry(ctx context.Context, e *MergeQueueEntry) error
	GetMergeQueueEntry(ctx context.Context, link string) (*MergeQueueEntry, error)
	OldestWaitingMergeQueueEntry(ctx context.Context) (*MergeQueueEntry, error)
	MergeQueuePosition(ctx context.Context, link string) (position int, total int, err error)
	UpdateMergeQueueStatus(ctx context.Context, link string, status MergeQueueStatus, failureType, message string) error
	RetryMergeQueueEntry(ctx context.Context, link string, maxRetries int, newPosition int64) (*MergeQueueEntry, error)
	CancelAllPendingMergeQueueEntries(ctx context.Context) (int64, error)
	ReconcileStuckMergeQueueEntries(ctx context.Context) (int64, error)
	UpsertCheckResult(ctx context.Context, r *CheckResult) error
	ListCheckResults(ctx context.Context, link string) ([]*CheckResult, error)

	// ObjectSource-compatible reads, used directly by the Pack Encoder
	// (modules/pack.ObjectSource) without an adaptor shim.
	ReadObject(ctx context.Context, oid plumbing.Hash) (object.Type, []byte, error)
	CommitParents(ctx context.Context, oid plumbing.Hash) ([]plumbing.Hash, error)
	CommitTree(ctx context.Context, oid plumbing.Hash) (plumbing.Hash, error)
	TreeEntries(ctx context.Context, oid plumbing.Hash) ([]*object.TreeEntry, error)
}

// PendingObject is one object queued for BatchPutObjects, the bulk-insert
// path used by the Pack Decoder (C2) after resolving an incoming pack.
type PendingObject struct {
	Hash    plumbing.Hash
	Type    object.Type
	Payload []byte
}

// Ref is one row of the mega_refs table (§6): the commit and tree a
// monorepo path currently resolves to.
type Ref struct {
	Path       string
	CommitHash plumbing.Hash
	TreeHash   plumbing.Hash
	UpdatedAt  time.Time
}

type db struct {
	*sql.DB
	rawBlob RawBlobBackend
}

func (d *db) Database() *sql.DB { return d.DB }
func (d *db) Close() error      { return d.DB.Close() }

var _ DB = (*db)(nil)

// Config is the subset of TOML-configured parameters NewDB needs beyond the
// raw MySQL DSN (§6 persisted-schema and raw-blob-backend options).
type Config struct {
	MySQL           *mysql.Config
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	RawBlob         RawBlobBackend
}

// NewDB opens the MySQL connection pool and wires it to the chosen
// raw-blob backend, matching the teacher's `database.NewDB` connector
// pattern (`pkg/serve/database/database.go`) but against this spec's own
// table set (§6: mega_commit/mega_tree/mega_blob/mega_tag/raw_blob/mega_refs).
func NewDB(cfg Config) (DB, error) {
	connector, err := mysql.NewConnector(cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("mono: storage: new connector: %w", err)
	}
	sqlDB := sql.OpenDB(connector)
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	rawBlob := cfg.RawBlob
	if rawBlob == nil {
		rawBlob = &inlineRawBlob{db: sqlDB}
	}
	return &db{DB: sqlDB, rawBlob: rawBlob}, nil
}
