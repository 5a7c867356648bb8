// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package clengine

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/pkg/rootengine"
	"github.com/monocorp/monoforge/pkg/storage"
)

// fakeDB is a minimal in-memory storage.DB covering what clengine exercises
// (CL/Conversation/ref CRUD plus object CRUD — requireLinearShape reads the
// tip commit back out to check its parent count).
type fakeDB struct {
	cls           map[string]*storage.CL
	byPath        map[string]string
	conversations map[string][]*storage.Conversation
	refs          map[string]*storage.Ref
	objects       map[plumbing.Hash]struct {
		t       object.Type
		payload []byte
	}
	labels    map[string][]*storage.Label
	assignees map[string][]string
}

var _ storage.DB = (*fakeDB)(nil)

func newFakeDB() *fakeDB {
	return &fakeDB{
		cls:           map[string]*storage.CL{},
		byPath:        map[string]string{},
		conversations: map[string][]*storage.Conversation{},
		refs:          map[string]*storage.Ref{},
		objects: map[plumbing.Hash]struct {
			t       object.Type
			payload []byte
		}{},
		labels:    map[string][]*storage.Label{},
		assignees: map[string][]string{},
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
func (f *fakeDB) GetTree(ctx context.Context, oid plumbing.Hash) (*object.Tree, error) { return nil, nil }
func (f *fakeDB) HasObject(ctx context.Context, oid plumbing.Hash) (bool, error)       { return false, nil }
func (f *fakeDB) BatchPutObjects(ctx context.Context, objs []storage.PendingObject) error {
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

func (f *fakeDB) InsertConversation(ctx context.Context, c *storage.Conversation) error {
	f.conversations[c.CLLink] = append(f.conversations[c.CLLink], c)
	return nil
}

func (f *fakeDB) ListConversations(ctx context.Context, link string) ([]*storage.Conversation, error) {
	return f.conversations[link], nil
}

func (f *fakeDB) InsertCLCommit(ctx context.Context, link string, commit plumbing.Hash) error {
	return nil
}
func (f *fakeDB) AddLabel(ctx context.Context, l *storage.Label) error {
	cp := *l
	f.labels[l.CLLink] = append(f.labels[l.CLLink], &cp)
	return nil
}
func (f *fakeDB) RemoveLabel(ctx context.Context, link, name string) error {
	kept := f.labels[link][:0]
	for _, l := range f.labels[link] {
		if l.Name != name {
			kept = append(kept, l)
		}
	}
	f.labels[link] = kept
	return nil
}
func (f *fakeDB) ListLabels(ctx context.Context, link string) ([]*storage.Label, error) {
	return f.labels[link], nil
}
func (f *fakeDB) AddAssignee(ctx context.Context, link, user string) error {
	f.assignees[link] = append(f.assignees[link], user)
	return nil
}
func (f *fakeDB) RemoveAssignee(ctx context.Context, link, user string) error {
	kept := f.assignees[link][:0]
	for _, u := range f.assignees[link] {
		if u != user {
			kept = append(kept, u)
		}
	}
	f.assignees[link] = kept
	return nil
}
func (f *fakeDB) ListAssignees(ctx context.Context, link string) ([]string, error) {
	return f.assignees[link], nil
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
	return object.InvalidObject, nil, &storage.ErrObjectNotFound{Hash: oid.String()}
}
func (f *fakeDB) CommitParents(ctx context.Context, oid plumbing.Hash) ([]plumbing.Hash, error) {
	return nil, nil
}
func (f *fakeDB) CommitTree(ctx context.Context, oid plumbing.Hash) (plumbing.Hash, error) {
	return plumbing.ZeroHash, nil
}
func (f *fakeDB) TreeEntries(ctx context.Context, oid plumbing.Hash) ([]*object.TreeEntry, error) {
	return nil, nil
}

// putCommit stores a commit with the given parents, returning its hash —
// requireLinearShape reads this back to check the parent count, so every
// "to"/"incomingTo" hash a test passes to OpenCL/UpdateOnPush must resolve
// to one of these rather than an arbitrary literal hash.
func putCommit(t *testing.T, db *fakeDB, parents []plumbing.Hash) plumbing.Hash {
	t.Helper()
	commit := &object.Commit{
		Parents:   parents,
		Author:    object.Signature{Name: "a", Email: "a@example.com"},
		Committer: object.Signature{Name: "a", Email: "a@example.com"},
		Message:   "m",
	}
	var buf bytes.Buffer
	require.NoError(t, commit.Encode(&buf))
	h := object.HashPayload(object.CommitType, buf.Bytes())
	require.NoError(t, db.PutObject(context.Background(), h, object.CommitType, buf.Bytes()))
	return h
}

func TestOpenCLRejectsSecondOpenForSamePath(t *testing.T) {
	db := newFakeDB()
	eng := New(db, rootengine.New(db))
	ctx := context.Background()

	to1 := putCommit(t, db, nil)
	_, err := eng.OpenCL(ctx, "/lib", plumbing.ZeroHash.String(), to1.String(), "first", "alice")
	require.NoError(t, err)

	to2 := putCommit(t, db, nil)
	_, err = eng.OpenCL(ctx, "/lib", plumbing.ZeroHash.String(), to2.String(), "second", "bob")
	var exists *ErrCLExists
	require.ErrorAs(t, err, &exists)
}

func TestOpenCLRejectsMultiParentTip(t *testing.T) {
	db := newFakeDB()
	eng := New(db, rootengine.New(db))
	ctx := context.Background()

	p1, p2 := putCommit(t, db, nil), putCommit(t, db, nil)
	mergeTip := putCommit(t, db, []plumbing.Hash{p1, p2})

	_, err := eng.OpenCL(ctx, "/lib", plumbing.ZeroHash.String(), mergeTip.String(), "first", "alice")
	var shape *ErrCLUnsupportedShape
	require.ErrorAs(t, err, &shape)
}

func TestUpdateOnPushNoOp(t *testing.T) {
	db := newFakeDB()
	eng := New(db, rootengine.New(db))
	ctx := context.Background()

	from := plumbing.NewHash("aa")
	to := putCommit(t, db, nil)
	cl, err := eng.OpenCL(ctx, "/lib", from.String(), to.String(), "t", "alice")
	require.NoError(t, err)

	updated, err := eng.UpdateOnPush(ctx, cl.Link, from, to, "alice")
	require.NoError(t, err)
	require.Equal(t, storage.CLOpen, updated.Status)
	require.Len(t, db.conversations[cl.Link], 1) // only OpenCL's "open" entry; the no-op push adds none
}

func TestUpdateOnPushForceUpdate(t *testing.T) {
	db := newFakeDB()
	eng := New(db, rootengine.New(db))
	ctx := context.Background()

	from := plumbing.NewHash("aa")
	to := putCommit(t, db, nil)
	cl, err := eng.OpenCL(ctx, "/lib", from.String(), to.String(), "t", "alice")
	require.NoError(t, err)

	newTo := putCommit(t, db, []plumbing.Hash{to})
	updated, err := eng.UpdateOnPush(ctx, cl.Link, from, newTo, "alice")
	require.NoError(t, err)
	require.Equal(t, storage.CLOpen, updated.Status)
	require.Equal(t, newTo, updated.ToHash)
	require.Len(t, db.conversations[cl.Link], 2) // open + force-update
}

func TestUpdateOnPushRejectsMultiParentTip(t *testing.T) {
	db := newFakeDB()
	eng := New(db, rootengine.New(db))
	ctx := context.Background()

	from := plumbing.NewHash("aa")
	to := putCommit(t, db, nil)
	cl, err := eng.OpenCL(ctx, "/lib", from.String(), to.String(), "t", "alice")
	require.NoError(t, err)

	p2 := putCommit(t, db, nil)
	mergeTip := putCommit(t, db, []plumbing.Hash{to, p2})
	_, err = eng.UpdateOnPush(ctx, cl.Link, from, mergeTip, "alice")
	var shape *ErrCLUnsupportedShape
	require.ErrorAs(t, err, &shape)
	// Rejected update must not have mutated the CL's recorded tip.
	reloaded, err := db.GetCL(ctx, cl.Link)
	require.NoError(t, err)
	require.Equal(t, to, reloaded.ToHash)
}

func TestUpdateOnPushConflictAutoCloses(t *testing.T) {
	db := newFakeDB()
	eng := New(db, rootengine.New(db))
	ctx := context.Background()

	from := plumbing.NewHash("aa")
	to := putCommit(t, db, nil)
	cl, err := eng.OpenCL(ctx, "/lib", from.String(), to.String(), "t", "alice")
	require.NoError(t, err)

	updated, err := eng.UpdateOnPush(ctx, cl.Link, plumbing.NewHash("zz"), plumbing.NewHash("yy"), "alice")
	require.NoError(t, err)
	require.Equal(t, storage.CLClosed, updated.Status)
}

func TestMergeRequiresOpenStatusAndMatchingFromHash(t *testing.T) {
	db := newFakeDB()
	eng := New(db, rootengine.New(db))
	ctx := context.Background()

	from := plumbing.NewHash("aa")
	to := putCommit(t, db, nil)
	cl, err := eng.OpenCL(ctx, "/lib", from.String(), to.String(), "t", "alice")
	require.NoError(t, err)

	// No subpath ref yet, so current sub commit is ZeroHash != from.
	_, err = eng.Merge(ctx, cl.Link, plumbing.RootPath, plumbing.ZeroHash, plumbing.NewHash("dd"), &object.Commit{})
	require.ErrorIs(t, err, plumbing.ErrRefConflict)
}

func TestLabelLifecycle(t *testing.T) {
	db := newFakeDB()
	eng := New(db, rootengine.New(db))
	ctx := context.Background()

	to := putCommit(t, db, nil)
	cl, err := eng.OpenCL(ctx, "/lib", plumbing.ZeroHash.String(), to.String(), "t", "alice")
	require.NoError(t, err)

	require.NoError(t, eng.AddLabel(ctx, cl.Link, "bug", "red", "bob"))
	labels, err := eng.ListLabels(ctx, cl.Link)
	require.NoError(t, err)
	require.Len(t, labels, 1)
	require.Equal(t, "bug", labels[0].Name)

	require.NoError(t, eng.RemoveLabel(ctx, cl.Link, "bug", "bob"))
	labels, err = eng.ListLabels(ctx, cl.Link)
	require.NoError(t, err)
	require.Empty(t, labels)

	convs, err := eng.ListConversations(ctx, cl.Link)
	require.NoError(t, err)
	// open + add-label + remove-label
	require.Len(t, convs, 3)
	require.Equal(t, "add-label", convs[1].Kind)
	require.Equal(t, "remove-label", convs[2].Kind)
}

func TestAssigneeLifecycle(t *testing.T) {
	db := newFakeDB()
	eng := New(db, rootengine.New(db))
	ctx := context.Background()

	to := putCommit(t, db, nil)
	cl, err := eng.OpenCL(ctx, "/lib", plumbing.ZeroHash.String(), to.String(), "t", "alice")
	require.NoError(t, err)

	require.NoError(t, eng.Assign(ctx, cl.Link, "carol", "bob"))
	assignees, err := eng.ListAssignees(ctx, cl.Link)
	require.NoError(t, err)
	require.Equal(t, []string{"carol"}, assignees)

	require.NoError(t, eng.Unassign(ctx, cl.Link, "carol", "bob"))
	assignees, err = eng.ListAssignees(ctx, cl.Link)
	require.NoError(t, err)
	require.Empty(t, assignees)
}

func TestLabelOperationsFailForUnknownCL(t *testing.T) {
	db := newFakeDB()
	eng := New(db, rootengine.New(db))
	ctx := context.Background()

	require.Error(t, eng.AddLabel(ctx, "nonexistent", "bug", "red", "bob"))
	require.Error(t, eng.Assign(ctx, "nonexistent", "carol", "bob"))
}
