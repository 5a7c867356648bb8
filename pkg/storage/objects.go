// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
)

// tableFor returns the per-type table an object's canonical payload is
// stored in (§6: "logically three tables: commits, trees, tags ... blobs
// is split between a metadata table and the raw-blob backend").
func tableFor(t object.Type) (string, error) {
	switch t {
	case object.CommitType:
		return "mega_commit", nil
	case object.TreeType:
		return "mega_tree", nil
	case object.TagType:
		return "mega_tag", nil
	case object.BlobType:
		return "mega_blob", nil
	default:
		return "", plumbing.ErrUnknownObjectType
	}
}

// PutObject persists a single object, routing blob payloads through the
// raw-blob backend and leaving only size metadata in mega_blob (§4.4).
func (d *db) PutObject(ctx context.Context, oid plumbing.Hash, t object.Type, payload []byte) error {
	if t == object.BlobType {
		if err := d.rawBlob.Put(ctx, oid, payload); err != nil {
			return fmt.Errorf("mono: put raw blob %s: %w", oid, err)
		}
		_, err := d.ExecContext(ctx,
			"insert into mega_blob(id, size) values(?, ?) on duplicate key update size = values(size)",
			oid.String(), len(payload))
		return err
	}
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	_, err = d.ExecContext(ctx,
		fmt.Sprintf("insert into %s(id, payload) values(?, ?) on duplicate key update payload = values(payload)", table),
		oid.String(), payload)
	return err
}

// BatchPutObjects persists many objects in one transaction, the bulk path
// the Pack Decoder uses after resolving an incoming pack — an idempotent
// upsert per object so re-ingesting the same pack (§8's idempotent-ingest
// property) is a no-op rather than an error.
func (d *db) BatchPutObjects(ctx context.Context, objs []PendingObject) error {
	if len(objs) == 0 {
		return nil
	}
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mono: batch put objects: begin tx: %w", err)
	}
	for _, o := range objs {
		if err := putObjectTx(ctx, tx, d.rawBlob, o.Hash, o.Type, o.Payload); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func putObjectTx(ctx context.Context, tx *sql.Tx, rawBlob RawBlobBackend, oid plumbing.Hash, t object.Type, payload []byte) error {
	if t == object.BlobType {
		if err := rawBlob.Put(ctx, oid, payload); err != nil {
			return fmt.Errorf("mono: put raw blob %s: %w", oid, err)
		}
		_, err := tx.ExecContext(ctx,
			"insert into mega_blob(id, size) values(?, ?) on duplicate key update size = values(size)",
			oid.String(), len(payload))
		return err
	}
	table, err := tableFor(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("insert into %s(id, payload) values(?, ?) on duplicate key update payload = values(payload)", table),
		oid.String(), payload)
	return err
}

// GetObject fetches and type-tags an object by id, trying each of the
// per-type tables — content addressing means a given id belongs to exactly
// one of them, so this never risks a false positive across types.
func (d *db) GetObject(ctx context.Context, oid plumbing.Hash) (object.Type, []byte, error) {
	for _, t := range []object.Type{object.CommitType, object.TreeType, object.TagType} {
		table, _ := tableFor(t)
		var payload []byte
		err := d.QueryRowContext(ctx, fmt.Sprintf("select payload from %s where id = ?", table), oid.String()).Scan(&payload)
		if err == nil {
			return t, payload, nil
		}
		if !isNoRows(err) {
			return object.InvalidObject, nil, err
		}
	}
	var size int64
	err := d.QueryRowContext(ctx, "select size from mega_blob where id = ?", oid.String()).Scan(&size)
	if isNoRows(err) {
		return object.InvalidObject, nil, &ErrObjectNotFound{Hash: oid.String()}
	}
	if err != nil {
		return object.InvalidObject, nil, err
	}
	payload, err := d.rawBlob.Get(ctx, oid)
	if err != nil {
		return object.InvalidObject, nil, fmt.Errorf("mono: get raw blob %s: %w", oid, err)
	}
	return object.BlobType, payload, nil
}

// HasObject checks object existence without fetching the payload.
func (d *db) HasObject(ctx context.Context, oid plumbing.Hash) (bool, error) {
	for _, table := range []string{"mega_commit", "mega_tree", "mega_tag"} {
		var one int
		err := d.QueryRowContext(ctx, fmt.Sprintf("select 1 from %s where id = ?", table), oid.String()).Scan(&one)
		if err == nil {
			return true, nil
		}
		if !isNoRows(err) {
			return false, err
		}
	}
	var one int
	err := d.QueryRowContext(ctx, "select 1 from mega_blob where id = ?", oid.String()).Scan(&one)
	if isNoRows(err) {
		return false, nil
	}
	return err == nil, err
}

// ReadObject satisfies modules/pack.ObjectSource.
func (d *db) ReadObject(ctx context.Context, oid plumbing.Hash) (object.Type, []byte, error) {
	return d.GetObject(ctx, oid)
}

// CommitParents satisfies modules/pack.ObjectSource by decoding the stored
// commit payload rather than keeping a denormalized parents table.
func (d *db) CommitParents(ctx context.Context, oid plumbing.Hash) ([]plumbing.Hash, error) {
	c, err := d.decodeCommit(ctx, oid)
	if err != nil {
		return nil, err
	}
	return c.Parents, nil
}

// CommitTree satisfies modules/pack.ObjectSource.
func (d *db) CommitTree(ctx context.Context, oid plumbing.Hash) (plumbing.Hash, error) {
	c, err := d.decodeCommit(ctx, oid)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return c.Tree, nil
}

func (d *db) decodeCommit(ctx context.Context, oid plumbing.Hash) (*object.Commit, error) {
	t, payload, err := d.GetObject(ctx, oid)
	if err != nil {
		return nil, err
	}
	if t != object.CommitType {
		return nil, fmt.Errorf("mono: %s: expected commit, got %s", oid, t)
	}
	c := &object.Commit{Hash: oid}
	if err := c.Decode(bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("mono: decode commit %s: %w", oid, err)
	}
	return c, nil
}

// TreeEntries satisfies modules/pack.ObjectSource.
func (d *db) TreeEntries(ctx context.Context, oid plumbing.Hash) ([]*object.TreeEntry, error) {
	tr, err := d.GetTree(ctx, oid)
	if err != nil {
		return nil, err
	}
	return tr.Entries, nil
}

// GetTree satisfies pkg/pathresolver.TreeSource and pkg/rootengine's tree
// reads.
func (d *db) GetTree(ctx context.Context, oid plumbing.Hash) (*object.Tree, error) {
	t, payload, err := d.GetObject(ctx, oid)
	if err != nil {
		return nil, err
	}
	if t != object.TreeType {
		return nil, fmt.Errorf("mono: %s: expected tree, got %s", oid, t)
	}
	tr := &object.Tree{Hash: oid}
	if err := tr.Decode(bytes.NewReader(payload)); err != nil {
		return nil, fmt.Errorf("mono: decode tree %s: %w", oid, err)
	}
	return tr, nil
}

// PutRawBlob/GetRawBlob expose the backend directly for callers (e.g. the
// raw-blob protocol surface) that only need bytes, not a full blob object
// row.
func (d *db) PutRawBlob(ctx context.Context, oid plumbing.Hash, content []byte) error {
	return d.rawBlob.Put(ctx, oid, content)
}

func (d *db) GetRawBlob(ctx context.Context, oid plumbing.Hash) ([]byte, error) {
	return d.rawBlob.Get(ctx, oid)
}
