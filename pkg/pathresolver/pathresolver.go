// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package pathresolver implements the Path Resolver component (C6):
// walking a monorepo path through its tree chain, and synthesizing the
// intermediate trees an ensure_path call needs to materialize a brand-new
// subpath. Grounded on the teacher's own tree-walking style in
// `modules/zeta/object/tree.go` (itself derived from go-git's TreeWalker)
// but rewritten against this spec's path model (§4.6) rather than a
// filesystem-style worktree walk.
package pathresolver

import (
	"bytes"
	"context"
	"fmt"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing/filemode"
	"github.com/monocorp/monoforge/modules/plumbing"
)

// TreeSource is the minimal read surface the resolver needs; pkg/storage.DB
// satisfies it via GetObject's tree decode path.
type TreeSource interface {
	GetTree(ctx context.Context, oid plumbing.Hash) (*object.Tree, error)
}

// TreeOnPath is one level of a resolve_for_update stack: the tree at that
// level, and the component name that was looked up to descend further.
type TreeOnPath struct {
	Tree      *object.Tree
	Component string
}

// Resolve walks path's components starting at root, returning the entry at
// path or (nil, nil) if any component is missing (§4.6: resolve →
// tree_or_item_or_none).
func Resolve(ctx context.Context, src TreeSource, root plumbing.Hash, path string) (*object.TreeEntry, error) {
	norm, err := plumbing.NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if norm == plumbing.RootPath {
		return &object.TreeEntry{Name: "", Mode: filemode.Dir, Hash: root}, nil
	}
	components := plumbing.PathComponents(norm)
	cur := root
	var entry *object.TreeEntry
	for i, name := range components {
		tree, err := src.GetTree(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("mono: resolve %q: %w", path, err)
		}
		e, ok := tree.Entry(name)
		if !ok {
			return nil, nil
		}
		entry = e
		if i < len(components)-1 {
			if e.Type() != object.TreeType {
				return nil, nil
			}
			cur = e.Hash
		}
	}
	return entry, nil
}

// ResolveForUpdate walks path and returns every intermediate tree together
// with the component that was used to descend past it, plus the leaf's own
// tree if it is itself a directory (§4.6: resolve_for_update → (trees_on_path,
// target_tree)). The returned stack is ordered root-to-leaf, the order §4.5's
// cascade pops from tail to head while rewriting parent entries.
func ResolveForUpdate(ctx context.Context, src TreeSource, root plumbing.Hash, path string) ([]TreeOnPath, *object.Tree, error) {
	norm, err := plumbing.NormalizePath(path)
	if err != nil {
		return nil, nil, err
	}
	if norm == plumbing.RootPath {
		tree, err := src.GetTree(ctx, root)
		if err != nil {
			return nil, nil, fmt.Errorf("mono: resolve_for_update %q: %w", path, err)
		}
		return nil, tree, nil
	}
	components := plumbing.PathComponents(norm)
	cur := root
	var stack []TreeOnPath
	for i, name := range components {
		tree, err := src.GetTree(ctx, cur)
		if err != nil {
			return nil, nil, fmt.Errorf("mono: resolve_for_update %q: %w", path, err)
		}
		e, ok := tree.Entry(name)
		if !ok {
			return nil, nil, plumbing.ErrPathNotFound
		}
		stack = append(stack, TreeOnPath{Tree: tree, Component: name})
		if i == len(components)-1 {
			if e.Type() != object.TreeType {
				return stack, nil, nil
			}
			leaf, err := src.GetTree(ctx, e.Hash)
			if err != nil {
				return nil, nil, fmt.Errorf("mono: resolve_for_update %q: %w", path, err)
			}
			return stack, leaf, nil
		}
		if e.Type() != object.TreeType {
			return nil, nil, plumbing.ErrPathNotFound
		}
		cur = e.Hash
	}
	return stack, nil, nil
}

// gitkeepName is the placeholder blob name synthesized directories use to
// keep a stable, non-empty tree id (§4.5/§4.6).
const gitkeepName = ".gitkeep"

// RewritePlan is the set of new objects ensure_path must persist to
// materialize a missing subpath: one new tree per newly created directory
// level, innermost first, plus the .gitkeep blob every new tree holds.
type RewritePlan struct {
	Blob       *object.Blob
	NewTrees   []*object.Tree // innermost (leaf) first
	ParentTree plumbing.Hash  // existing tree the outermost new tree attaches under
	ParentLeaf string         // component name under ParentTree the chain attaches as
}

// EnsurePath creates the missing intermediate directories along path,
// synthesizing a tree containing a single timestamped `.gitkeep` blob at
// each new level (§4.6) so two independently created empty directories
// never collide on tree id. existingTree is the tree at the longest prefix
// of path that already resolves (found by the caller via ResolveForUpdate /
// plumbing.ErrPathNotFound); missingComponents are path's remaining
// components past that prefix.
func EnsurePath(existingTree plumbing.Hash, missingComponents []string, createdAtUnixNano int64) (*RewritePlan, error) {
	if len(missingComponents) == 0 {
		return nil, fmt.Errorf("mono: ensure_path: no missing components")
	}
	payload := []byte(fmt.Sprintf("created-at:%d\n", createdAtUnixNano))
	blob := &object.Blob{Hash: object.HashPayload(object.BlobType, payload), Payload: payload}

	leaf := object.NewTree([]*object.TreeEntry{
		{Name: gitkeepName, Mode: filemode.Regular, Hash: blob.Hash},
	})
	var bodyBuf bytes.Buffer
	if err := leaf.Encode(&bodyBuf); err != nil {
		return nil, fmt.Errorf("mono: ensure_path: encode leaf tree: %w", err)
	}
	leaf.Hash = object.HashPayload(object.TreeType, bodyBuf.Bytes())

	trees := []*object.Tree{leaf}
	cur := leaf
	for i := len(missingComponents) - 1; i > 0; i-- {
		parent := object.NewTree([]*object.TreeEntry{
			{Name: gitkeepName, Mode: filemode.Regular, Hash: blob.Hash},
			{Name: missingComponents[i], Mode: filemode.Dir, Hash: cur.Hash},
		})
		var buf bytes.Buffer
		if err := parent.Encode(&buf); err != nil {
			return nil, fmt.Errorf("mono: ensure_path: encode tree: %w", err)
		}
		parent.Hash = object.HashPayload(object.TreeType, buf.Bytes())
		trees = append(trees, parent)
		cur = parent
	}

	return &RewritePlan{
		Blob:       blob,
		NewTrees:   trees,
		ParentTree: existingTree,
		ParentLeaf: missingComponents[0],
	}, nil
}
