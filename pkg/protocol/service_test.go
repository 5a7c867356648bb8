// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/modules/plumbing/filemode"
	"github.com/monocorp/monoforge/modules/pack"
	"github.com/monocorp/monoforge/pkg/clengine"
	"github.com/monocorp/monoforge/pkg/rootengine"
	"github.com/monocorp/monoforge/pkg/storage"
)

// emptyPack encodes a valid, zero-object pack stream via the real Pack
// Encoder, the same one UploadPack streams from — avoids hand-rolling the
// binary pack header/trailer format just to exercise ReceivePack's decode
// step with an input the Pack Decoder accepts.
func emptyPack(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := pack.NewEncoder(&buf)
	require.NoError(t, enc.WriteHeader(0))
	require.NoError(t, enc.WriteTrailer())
	return buf.Bytes()
}

// fakeDB is a minimal in-memory storage.DB covering object, ref and CL CRUD
// — everything AdvertiseRefs/ReceivePack and the clengine.Engine they drive
// touch; merge-queue and label/assignee methods are stubbed since the
// Protocol Surface never calls them directly.
type fakeDB struct {
	objects map[plumbing.Hash]struct {
		t       object.Type
		payload []byte
	}
	refs   map[string]*storage.Ref
	cls    map[string]*storage.CL
	byPath map[string]string
}

var _ storage.DB = (*fakeDB)(nil)

func newFakeDB() *fakeDB {
	return &fakeDB{
		objects: map[plumbing.Hash]struct {
			t       object.Type
			payload []byte
		}{},
		refs:   map[string]*storage.Ref{},
		cls:    map[string]*storage.CL{},
		byPath: map[string]string{},
	}
}

func (f *fakeDB) Database() *sql.DB { return nil }
func (f *fakeDB) Close() error      { return nil }

func (f *fakeDB) PutObject(ctx context.Context, oid plumbing.Hash, t object.Type, payload []byte) error {
	f.objects[oid] = struct {
		t       object.Type
		payload []byte
	}{t, payload}
	return nil
}
func (f *fakeDB) GetObject(ctx context.Context, oid plumbing.Hash) (object.Type, []byte, error) {
	o, ok := f.objects[oid]
	if !ok {
		return object.InvalidObject, nil, &storage.ErrObjectNotFound{Hash: oid.String()}
	}
	return o.t, o.payload, nil
}
func (f *fakeDB) GetTree(ctx context.Context, oid plumbing.Hash) (*object.Tree, error) {
	_, payload, err := f.GetObject(ctx, oid)
	if err != nil {
		return nil, err
	}
	tr := &object.Tree{Hash: oid}
	if err := tr.Decode(bytes.NewReader(payload)); err != nil {
		return nil, err
	}
	return tr, nil
}
func (f *fakeDB) HasObject(ctx context.Context, oid plumbing.Hash) (bool, error) {
	_, ok := f.objects[oid]
	return ok, nil
}
func (f *fakeDB) BatchPutObjects(ctx context.Context, objs []storage.PendingObject) error {
	for _, o := range objs {
		if err := f.PutObject(ctx, o.Hash, o.Type, o.Payload); err != nil {
			return err
		}
	}
	return nil
}
func (f *fakeDB) PutRawBlob(ctx context.Context, oid plumbing.Hash, content []byte) error { return nil }
func (f *fakeDB) GetRawBlob(ctx context.Context, oid plumbing.Hash) ([]byte, error)       { return nil, nil }

func (f *fakeDB) GetRef(ctx context.Context, path string) (*storage.Ref, error) {
	r, ok := f.refs[path]
	if !ok {
		return nil, &storage.ErrRefNotFound{Path: path}
	}
	return r, nil
}
func (f *fakeDB) ListRefsUnderPath(ctx context.Context, prefix string) ([]*storage.Ref, error) {
	return nil, nil
}
func (f *fakeDB) CASUpdateRef(ctx context.Context, path string, oldCommit, newCommit, newTree plumbing.Hash) (*storage.Ref, error) {
	cur := plumbing.ZeroHash
	if r, ok := f.refs[path]; ok {
		cur = r.CommitHash
	}
	if cur != oldCommit {
		return nil, &storage.ErrRefConflict{Path: path, Expected: oldCommit, Actual: cur}
	}
	r := &storage.Ref{Path: path, CommitHash: newCommit, TreeHash: newTree}
	f.refs[path] = r
	return r, nil
}
func (f *fakeDB) DeleteRef(ctx context.Context, path string, expectedCommit plumbing.Hash) error {
	delete(f.refs, path)
	return nil
}

func (f *fakeDB) InsertCL(ctx context.Context, cl *storage.CL) error {
	cp := *cl
	f.cls[cl.Link] = &cp
	f.byPath[cl.Path] = cl.Link
	return nil
}
func (f *fakeDB) GetCL(ctx context.Context, link string) (*storage.CL, error) {
	cl, ok := f.cls[link]
	if !ok {
		return nil, &storage.ErrObjectNotFound{Hash: link}
	}
	cp := *cl
	return &cp, nil
}
func (f *fakeDB) GetOpenOrDraftCLForPath(ctx context.Context, path string) (*storage.CL, error) {
	link, ok := f.byPath[path]
	if !ok {
		return nil, &storage.ErrObjectNotFound{Hash: path}
	}
	cl := f.cls[link]
	if cl.Status != storage.CLDraft && cl.Status != storage.CLOpen {
		return nil, &storage.ErrObjectNotFound{Hash: path}
	}
	cp := *cl
	return &cp, nil
}
func (f *fakeDB) ListCLs(ctx context.Context, pathPrefix string, status storage.CLStatus) ([]*storage.CL, error) {
	var out []*storage.CL
	for _, cl := range f.cls {
		if status != "" && cl.Status != status {
			continue
		}
		if pathPrefix != "" && !strings.HasPrefix(cl.Path, pathPrefix) {
			continue
		}
		cp := *cl
		out = append(out, &cp)
	}
	return out, nil
}
func (f *fakeDB) UpdateCLStatus(ctx context.Context, link string, status storage.CLStatus, newToHash *plumbing.Hash) error {
	cl, ok := f.cls[link]
	if !ok {
		return &storage.ErrObjectNotFound{Hash: link}
	}
	cl.Status = status
	if newToHash != nil {
		cl.ToHash = *newToHash
	}
	return nil
}
func (f *fakeDB) InsertConversation(ctx context.Context, c *storage.Conversation) error { return nil }
func (f *fakeDB) ListConversations(ctx context.Context, link string) ([]*storage.Conversation, error) {
	return nil, nil
}
func (f *fakeDB) InsertCLCommit(ctx context.Context, link string, commit plumbing.Hash) error {
	return nil
}
func (f *fakeDB) AddLabel(ctx context.Context, l *storage.Label) error      { return nil }
func (f *fakeDB) RemoveLabel(ctx context.Context, link, name string) error { return nil }
func (f *fakeDB) ListLabels(ctx context.Context, link string) ([]*storage.Label, error) {
	return nil, nil
}
func (f *fakeDB) AddAssignee(ctx context.Context, link, user string) error    { return nil }
func (f *fakeDB) RemoveAssignee(ctx context.Context, link, user string) error { return nil }
func (f *fakeDB) ListAssignees(ctx context.Context, link string) ([]string, error) {
	return nil, nil
}
func (f *fakeDB) InsertMergeQueueEntry(ctx context.Context, e *storage.MergeQueueEntry) error {
	return nil
}
func (f *fakeDB) GetMergeQueueEntry(ctx context.Context, link string) (*storage.MergeQueueEntry, error) {
	return nil, nil
}
func (f *fakeDB) OldestWaitingMergeQueueEntry(ctx context.Context) (*storage.MergeQueueEntry, error) {
	return nil, nil
}
func (f *fakeDB) MergeQueuePosition(ctx context.Context, link string) (int, int, error) {
	return 0, 0, nil
}
func (f *fakeDB) UpdateMergeQueueStatus(ctx context.Context, link string, status storage.MergeQueueStatus, failureType, message string) error {
	return nil
}
func (f *fakeDB) RetryMergeQueueEntry(ctx context.Context, link string, maxRetries int, newPosition int64) (*storage.MergeQueueEntry, error) {
	return nil, nil
}
func (f *fakeDB) CancelAllPendingMergeQueueEntries(ctx context.Context) (int64, error) {
	return 0, nil
}
func (f *fakeDB) ReconcileStuckMergeQueueEntries(ctx context.Context) (int64, error) {
	return 0, nil
}
func (f *fakeDB) UpsertCheckResult(ctx context.Context, r *storage.CheckResult) error { return nil }
func (f *fakeDB) ListCheckResults(ctx context.Context, link string) ([]*storage.CheckResult, error) {
	return nil, nil
}

func (f *fakeDB) ReadObject(ctx context.Context, oid plumbing.Hash) (object.Type, []byte, error) {
	return f.GetObject(ctx, oid)
}
func (f *fakeDB) CommitParents(ctx context.Context, oid plumbing.Hash) ([]plumbing.Hash, error) {
	_, payload, err := f.GetObject(ctx, oid)
	if err != nil {
		return nil, err
	}
	var c object.Commit
	if err := c.Decode(bytes.NewReader(payload)); err != nil {
		return nil, err
	}
	return c.Parents, nil
}
func (f *fakeDB) CommitTree(ctx context.Context, oid plumbing.Hash) (plumbing.Hash, error) {
	_, payload, err := f.GetObject(ctx, oid)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	var c object.Commit
	if err := c.Decode(bytes.NewReader(payload)); err != nil {
		return plumbing.ZeroHash, err
	}
	return c.Tree, nil
}
func (f *fakeDB) TreeEntries(ctx context.Context, oid plumbing.Hash) ([]*object.TreeEntry, error) {
	tr, err := f.GetTree(ctx, oid)
	if err != nil {
		return nil, err
	}
	return tr.Entries, nil
}

func putBlob(t *testing.T, db *fakeDB, content string) plumbing.Hash {
	t.Helper()
	payload := []byte(content)
	h := object.HashPayload(object.BlobType, payload)
	require.NoError(t, db.PutObject(context.Background(), h, object.BlobType, payload))
	return h
}

// putTreeWithDir stores a two-level tree: root/dirName/fileName = fileHash,
// returning (rootTreeHash, dirTreeHash).
func putTreeWithDir(t *testing.T, db *fakeDB, dirName, fileName string, fileHash plumbing.Hash) (plumbing.Hash, plumbing.Hash) {
	t.Helper()
	dirTree := object.NewTree([]*object.TreeEntry{
		{Name: fileName, Mode: filemode.Regular, Hash: fileHash},
	})
	var dirBuf bytes.Buffer
	require.NoError(t, dirTree.Encode(&dirBuf))
	dirHash := object.HashPayload(object.TreeType, dirBuf.Bytes())
	require.NoError(t, db.PutObject(context.Background(), dirHash, object.TreeType, dirBuf.Bytes()))

	rootTree := object.NewTree([]*object.TreeEntry{
		{Name: dirName, Mode: filemode.Dir, Hash: dirHash},
	})
	var rootBuf bytes.Buffer
	require.NoError(t, rootTree.Encode(&rootBuf))
	rootHash := object.HashPayload(object.TreeType, rootBuf.Bytes())
	require.NoError(t, db.PutObject(context.Background(), rootHash, object.TreeType, rootBuf.Bytes()))
	return rootHash, dirHash
}

func putCommit(t *testing.T, db *fakeDB, treeHash plumbing.Hash, parents []plumbing.Hash, message string) plumbing.Hash {
	t.Helper()
	commit := &object.Commit{
		Tree:      treeHash,
		Parents:   parents,
		Author:    object.Signature{Name: "a", Email: "a@example.com", When: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		Committer: object.Signature{Name: "a", Email: "a@example.com", When: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		Message:   message,
	}
	var buf bytes.Buffer
	require.NoError(t, commit.Encode(&buf))
	h := object.HashPayload(object.CommitType, buf.Bytes())
	require.NoError(t, db.PutObject(context.Background(), h, object.CommitType, buf.Bytes()))
	return h
}

func newService(t *testing.T, db *fakeDB) *Service {
	t.Helper()
	root := rootengine.New(db)
	cl := clengine.New(db, root)
	decoder, err := pack.NewDecoder(8)
	require.NoError(t, err)
	t.Cleanup(decoder.Close)
	return New(db, root, cl, decoder, plumbing.RootPath)
}

func TestAdvertiseRefsRootReturnsDefaultBranch(t *testing.T) {
	db := newFakeDB()
	blob := putBlob(t, db, "hello")
	rootTree, _ := putTreeWithDir(t, db, "svc", "README", blob)
	rootCommit := putCommit(t, db, rootTree, nil, "root commit")
	db.refs[plumbing.RootPath] = &storage.Ref{Path: plumbing.RootPath, CommitHash: rootCommit, TreeHash: rootTree}

	svc := newService(t, db)
	ref, err := svc.AdvertiseRefs(context.Background(), "/")
	require.NoError(t, err)
	require.True(t, ref.IsDefault)
	require.Equal(t, rootCommit, ref.CommitID)
}

func TestAdvertiseRefsSynthesizesSubpathOnFirstRequest(t *testing.T) {
	db := newFakeDB()
	blob := putBlob(t, db, "hello")
	rootTree, dirTree := putTreeWithDir(t, db, "svc", "README", blob)
	rootCommit := putCommit(t, db, rootTree, nil, "root commit")
	db.refs[plumbing.RootPath] = &storage.Ref{Path: plumbing.RootPath, CommitHash: rootCommit, TreeHash: rootTree}

	svc := newService(t, db)
	ref, err := svc.AdvertiseRefs(context.Background(), "/svc")
	require.NoError(t, err)
	require.False(t, ref.IsDefault)
	require.NotEqual(t, plumbing.ZeroHash, ref.CommitID)

	synthType, synthPayload, err := db.GetObject(context.Background(), ref.CommitID)
	require.NoError(t, err)
	require.Equal(t, object.CommitType, synthType)
	var synth object.Commit
	require.NoError(t, synth.Decode(bytes.NewReader(synthPayload)))
	require.Equal(t, dirTree, synth.Tree)

	persisted, err := db.GetRef(context.Background(), "/svc")
	require.NoError(t, err)
	require.Equal(t, ref.CommitID, persisted.CommitHash)
}

func TestAdvertiseRefsReturnsExistingSubpathRefVerbatim(t *testing.T) {
	db := newFakeDB()
	blob := putBlob(t, db, "hello")
	rootTree, dirTree := putTreeWithDir(t, db, "svc", "README", blob)
	rootCommit := putCommit(t, db, rootTree, nil, "root commit")
	db.refs[plumbing.RootPath] = &storage.Ref{Path: plumbing.RootPath, CommitHash: rootCommit, TreeHash: rootTree}
	existingCommit := putCommit(t, db, dirTree, nil, "existing subpath commit")
	db.refs["/svc"] = &storage.Ref{Path: "/svc", CommitHash: existingCommit, TreeHash: dirTree}

	svc := newService(t, db)
	ref, err := svc.AdvertiseRefs(context.Background(), "/svc")
	require.NoError(t, err)
	require.Equal(t, existingCommit, ref.CommitID)
}

func TestAdvertiseRefsUnknownPathReturnsNotFound(t *testing.T) {
	db := newFakeDB()
	blob := putBlob(t, db, "hello")
	rootTree, _ := putTreeWithDir(t, db, "svc", "README", blob)
	rootCommit := putCommit(t, db, rootTree, nil, "root commit")
	db.refs[plumbing.RootPath] = &storage.Ref{Path: plumbing.RootPath, CommitHash: rootCommit, TreeHash: rootTree}

	svc := newService(t, db)
	_, err := svc.AdvertiseRefs(context.Background(), "/nope")
	require.ErrorIs(t, err, plumbing.ErrPathNotFound)
}

func TestReceivePackOpensCLOnFirstPush(t *testing.T) {
	db := newFakeDB()
	blob := putBlob(t, db, "v1")
	tree := object.NewTree([]*object.TreeEntry{{Name: "README", Mode: filemode.Regular, Hash: blob}})
	var buf bytes.Buffer
	require.NoError(t, tree.Encode(&buf))
	treeHash := object.HashPayload(object.TreeType, buf.Bytes())
	require.NoError(t, db.PutObject(context.Background(), treeHash, object.TreeType, buf.Bytes()))
	commitHash := putCommit(t, db, treeHash, nil, "first push")

	svc := newService(t, db)
	res, err := svc.ReceivePack(context.Background(), ReceivePackRequest{
		Pack: bytes.NewReader(emptyPack(t)),
		Updates: []RefUpdateCommand{
			{RefName: "/svc", OldID: plumbing.ZeroHash, NewID: commitHash},
		},
		Pusher: "alice",
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.True(t, res.Results[0].OK)

	cl, err := db.GetOpenOrDraftCLForPath(context.Background(), "/svc")
	require.NoError(t, err)
	require.Equal(t, commitHash, cl.ToHash)
	require.Equal(t, "alice", cl.Author)
}

func TestReceivePackRejectsStaleOldID(t *testing.T) {
	db := newFakeDB()
	currentCommit := object.HashPayload(object.BlobType, []byte("current"))
	db.refs["/svc"] = &storage.Ref{Path: "/svc", CommitHash: currentCommit, TreeHash: plumbing.ZeroHash}

	svc := newService(t, db)
	res, err := svc.ReceivePack(context.Background(), ReceivePackRequest{
		Pack: bytes.NewReader(emptyPack(t)),
		Updates: []RefUpdateCommand{
			{RefName: "/svc", OldID: plumbing.ZeroHash, NewID: object.HashPayload(object.BlobType, []byte("new"))},
		},
		Pusher: "alice",
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.False(t, res.Results[0].OK)
}
