// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpd

import (
	"bytes"
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/pack"
	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/pkg/clengine"
	"github.com/monocorp/monoforge/pkg/config"
	"github.com/monocorp/monoforge/pkg/mergequeue"
	"github.com/monocorp/monoforge/pkg/protocol"
	"github.com/monocorp/monoforge/pkg/rootengine"
	"github.com/monocorp/monoforge/pkg/storage"
)

// fakeDB is a minimal in-memory storage.DB covering the paths InfoRefs,
// UploadPack and ReceivePack actually exercise.
type fakeDB struct {
	objects map[plumbing.Hash]storedObject
	refs    map[string]*storage.Ref
	cls     map[string]*storage.CL
	byPath  map[string]string
}

type storedObject struct {
	t       object.Type
	payload []byte
}

var _ storage.DB = (*fakeDB)(nil)

func newFakeDB() *fakeDB {
	return &fakeDB{
		objects: map[plumbing.Hash]storedObject{},
		refs:    map[string]*storage.Ref{},
		cls:     map[string]*storage.CL{},
		byPath:  map[string]string{},
	}
}

func (f *fakeDB) Database() *sql.DB { return nil }
func (f *fakeDB) Close() error      { return nil }

func (f *fakeDB) PutObject(ctx context.Context, oid plumbing.Hash, t object.Type, payload []byte) error {
	f.objects[oid] = storedObject{t: t, payload: payload}
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
func (f *fakeDB) HasObject(ctx context.Context, oid plumbing.Hash) (bool, error) {
	_, ok := f.objects[oid]
	return ok, nil
}
func (f *fakeDB) BatchPutObjects(ctx context.Context, objs []storage.PendingObject) error {
	for _, o := range objs {
		f.objects[o.Hash] = storedObject{t: o.Type, payload: o.Payload}
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
	return nil, nil
}
func (f *fakeDB) CommitTree(ctx context.Context, oid plumbing.Hash) (plumbing.Hash, error) {
	return plumbing.ZeroHash, nil
}
func (f *fakeDB) TreeEntries(ctx context.Context, oid plumbing.Hash) ([]*object.TreeEntry, error) {
	return nil, nil
}

func newTestServer(t *testing.T, db *fakeDB) *Server {
	t.Helper()
	decoder, err := pack.NewDecoder(4)
	require.NoError(t, err)
	t.Cleanup(decoder.Close)

	root := rootengine.New(db)
	cl := clengine.New(db, root)
	svc := protocol.New(db, root, cl, decoder, plumbing.RootPath)
	queue := mergequeue.New(db, cl, nil, nil, plumbing.RootPath, 3)
	return NewServer(&config.HTTPConfig{Listen: "127.0.0.1:0", BannerVersion: "mono-test"}, svc, queue)
}

func TestInfoRefsAdvertisesRootRef(t *testing.T) {
	db := newFakeDB()
	db.refs[plumbing.RootPath] = &storage.Ref{Path: plumbing.RootPath, CommitHash: plumbing.NewHash("aa"), TreeHash: plumbing.NewHash("bb")}
	srv := newTestServer(t, db)

	req := httptest.NewRequest(http.MethodGet, "/info/refs?service=git-upload-pack", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, mimeUploadPackAdv, w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), "# service=git-upload-pack")
	require.Contains(t, w.Body.String(), plumbing.NewHash("aa").String())
}

func TestInfoRefsRejectsUnknownService(t *testing.T) {
	srv := newTestServer(t, newFakeDB())

	req := httptest.NewRequest(http.MethodGet, "/info/refs?service=git-upload-archive", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadPackStreamsEmptyPackWhenNoWants(t *testing.T) {
	srv := newTestServer(t, newFakeDB())

	body := bytes.NewBufferString("0000")
	req := httptest.NewRequest(http.MethodPost, "/git-upload-pack", body)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, mimeUploadPackRes, w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), "NAK")
}

func TestReceivePackUpdatesRefAndOpensCL(t *testing.T) {
	db := newFakeDB()
	db.refs[plumbing.RootPath] = &storage.Ref{Path: plumbing.RootPath, CommitHash: plumbing.ZeroHash, TreeHash: plumbing.ZeroHash}
	srv := newTestServer(t, db)

	oldID := plumbing.ZeroHash
	newID := plumbing.NewHash("dd")

	var buf bytes.Buffer
	buf.WriteString(pktLineStr(oldID.String() + " " + newID.String() + " " + plumbing.RootPath))
	buf.WriteString("0000")
	writeEmptyPack(t, &buf)

	req := httptest.NewRequest(http.MethodPost, "/git-receive-pack", &buf)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ok "+plumbing.RootPath)
	require.Equal(t, newID, db.refs[plumbing.RootPath].CommitHash)
	require.NotEmpty(t, db.byPath[plumbing.RootPath])
}

func pktLineStr(s string) string {
	n := len(s) + 4
	const hex = "0123456789abcdef"
	b := []byte{hex[(n>>12)&0xf], hex[(n>>8)&0xf], hex[(n>>4)&0xf], hex[n&0xf]}
	return string(b) + s
}

func writeEmptyPack(t *testing.T, buf *bytes.Buffer) {
	t.Helper()
	enc := pack.NewEncoder(buf)
	require.NoError(t, enc.WriteHeader(0))
	require.NoError(t, enc.WriteTrailer())
}

func TestListCLsFiltersByPathAndStatus(t *testing.T) {
	db := newFakeDB()
	db.cls["a"] = &storage.CL{Link: "a", Path: "/lib/foo", Status: storage.CLOpen}
	db.cls["b"] = &storage.CL{Link: "b", Path: "/lib/bar", Status: storage.CLMerged}
	db.cls["c"] = &storage.CL{Link: "c", Path: "/other", Status: storage.CLOpen}
	srv := newTestServer(t, db)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cls?path=/lib&status=Open", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.Contains(t, w.Body.String(), `"link":"a"`)
	require.NotContains(t, w.Body.String(), `"link":"b"`)
	require.NotContains(t, w.Body.String(), `"link":"c"`)
}

func TestGetCLReturnsDetailWithConversationsLabelsAssignees(t *testing.T) {
	db := newFakeDB()
	db.cls["a"] = &storage.CL{Link: "a", Path: "/lib/foo", Status: storage.CLOpen}
	srv := newTestServer(t, db)
	ctx := context.Background()

	require.NoError(t, srv.svc.CL.AddLabel(ctx, "a", "bug", "red", "bob"))
	require.NoError(t, srv.svc.CL.Assign(ctx, "a", "carol", "bob"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cls/a", nil)
	req = mux.SetURLVars(req, map[string]string{"link": "a"})
	w := httptest.NewRecorder()
	srv.GetCL(w, req, nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"name":"bug"`)
	require.Contains(t, w.Body.String(), `"assignees":["carol"]`)
}

func TestGetCLReturnsNotFoundForUnknownLink(t *testing.T) {
	srv := newTestServer(t, newFakeDB())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cls/nope", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetQueuePositionReportsRank(t *testing.T) {
	db := newFakeDB()
	db.cls["a"] = &storage.CL{Link: "a", Path: "/lib/foo", Status: storage.CLOpen}
	srv := newTestServer(t, db)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cls/a/queue-position", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"position":0`)
}
