// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package pathresolver

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/modules/plumbing/filemode"
)

type memTrees struct {
	trees map[plumbing.Hash]*object.Tree
}

func (m *memTrees) GetTree(ctx context.Context, oid plumbing.Hash) (*object.Tree, error) {
	t, ok := m.trees[oid]
	if !ok {
		return nil, plumbing.ErrPathNotFound
	}
	return t, nil
}

func hashTree(t *object.Tree) plumbing.Hash {
	var buf bytes.Buffer
	_ = t.Encode(&buf)
	return object.HashPayload(object.TreeType, buf.Bytes())
}

func buildFixture() (*memTrees, plumbing.Hash) {
	blobHash := object.HashPayload(object.BlobType, []byte("hello"))
	libTree := object.NewTree([]*object.TreeEntry{
		{Name: "main.go", Mode: filemode.Regular, Hash: blobHash},
	})
	libTree.Hash = hashTree(libTree)

	rootTree := object.NewTree([]*object.TreeEntry{
		{Name: "lib", Mode: filemode.Dir, Hash: libTree.Hash},
	})
	rootTree.Hash = hashTree(rootTree)

	store := &memTrees{trees: map[plumbing.Hash]*object.Tree{
		rootTree.Hash: rootTree,
		libTree.Hash:  libTree,
	}}
	return store, rootTree.Hash
}

func TestResolveFindsNestedEntry(t *testing.T) {
	store, root := buildFixture()
	entry, err := Resolve(context.Background(), store, root, "/lib/main.go")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "main.go", entry.Name)
}

func TestResolveMissingReturnsNil(t *testing.T) {
	store, root := buildFixture()
	entry, err := Resolve(context.Background(), store, root, "/lib/missing.go")
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestResolveForUpdateReturnsStack(t *testing.T) {
	store, root := buildFixture()
	stack, target, err := ResolveForUpdate(context.Background(), store, root, "/lib")
	require.NoError(t, err)
	require.Len(t, stack, 1)
	require.Equal(t, "lib", stack[0].Component)
	require.NotNil(t, target)
}

func TestResolveForUpdateMissingPathErrors(t *testing.T) {
	store, root := buildFixture()
	_, _, err := ResolveForUpdate(context.Background(), store, root, "/nope/deeper")
	require.ErrorIs(t, err, plumbing.ErrPathNotFound)
}

func TestEnsurePathSynthesizesDeterministicButUniqueTrees(t *testing.T) {
	plan1, err := EnsurePath(plumbing.NewHash("aa"), []string{"a", "b"}, 100)
	require.NoError(t, err)
	plan2, err := EnsurePath(plumbing.NewHash("aa"), []string{"a", "b"}, 200)
	require.NoError(t, err)

	require.Len(t, plan1.NewTrees, 2)
	require.NotEqual(t, plan1.NewTrees[0].Hash, plan2.NewTrees[0].Hash, "different timestamps must not collide")
	require.Equal(t, "a", plan1.ParentLeaf)
}
