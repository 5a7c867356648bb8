// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package rootengine implements the Ref & Root Engine component (C5): the
// upward cascade that takes an updated subtree hash at some monorepo path
// and rebuilds every ancestor tree up to a brand-new root commit, then
// advances the root ref by compare-and-swap (optimistic concurrency). The
// new objects and the ref swap are separate storage calls, not one
// transaction. Grounded
// on the teacher's own CAS-protected ref update
// (`pkg/serve/database/update.go`'s `doCreateBranch`/`DoBranchUpdate`),
// generalized from a single flat ref to the recursive tree rewrite this
// spec's path model requires (§4.5).
package rootengine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/modules/plumbing/filemode"
	"github.com/monocorp/monoforge/pkg/pathresolver"
	"github.com/monocorp/monoforge/pkg/storage"
)

// Engine cascades subtree updates to new root commits against a backing
// storage.DB.
type Engine struct {
	db storage.DB
}

func New(db storage.DB) *Engine {
	return &Engine{db: db}
}

// CascadeInput is one call's worth of §4.5 step inputs.
type CascadeInput struct {
	RootRefPath    string // usually plumbing.RootPath
	SubPath        string // P
	NewSubtreeHash plumbing.Hash // T' — the already-computed new tree for SubPath
	SubCommit      *object.Commit // C_sub: author/committer/message source
	ExpectedRoot   plumbing.Hash  // the root commit id observed at cascade start
	SubPathRef     string         // non-empty if SubPath had a dedicated subpath ref to remove
}

// CascadeResult is the new root commit and tree produced by a successful
// cascade.
type CascadeResult struct {
	NewRootCommit plumbing.Hash
	NewRootTree   plumbing.Hash
}

// Cascade implements §4.5 steps 1-4: walk path components from root,
// replace the leaf entry, recompute every ancestor tree id up to the root,
// construct a new root commit, and persist it: the new trees, then the
// commit, then a compare-and-swap of the root ref, then removal of
// SubPathRef when set. These are separate storage calls, not one
// transaction: if the ref swap fails, the new trees and commit stay stored
// but unreferenced.
func (e *Engine) Cascade(ctx context.Context, in CascadeInput) (*CascadeResult, error) {
	norm, err := plumbing.NormalizePath(in.SubPath)
	if err != nil {
		return nil, err
	}

	rootRef, err := e.db.GetRef(ctx, in.RootRefPath)
	if err != nil {
		return nil, fmt.Errorf("mono: cascade: %w", err)
	}
	if rootRef.CommitHash != in.ExpectedRoot {
		return nil, &storage.ErrRefConflict{Path: in.RootRefPath, Expected: in.ExpectedRoot, Actual: rootRef.CommitHash}
	}

	if norm == plumbing.RootPath {
		return e.commitNewRoot(ctx, in, rootRef, in.NewSubtreeHash)
	}

	stack, _, err := pathresolver.ResolveForUpdate(ctx, e.db, rootRef.TreeHash, norm)
	if err != nil {
		return nil, fmt.Errorf("mono: cascade: %w", err)
	}

	// stack[len-1] is the leaf's parent tree; replace the leaf entry there
	// and walk back up to the root, rewriting each ancestor's entry for the
	// child whose hash just changed.
	newTrees := make([]*object.Tree, 0, len(stack))
	childHash := in.NewSubtreeHash
	for i := len(stack) - 1; i >= 0; i-- {
		level := stack[i]
		rewritten := level.Tree.Merge(&object.TreeEntry{
			Name: level.Component,
			Mode: filemode.Dir,
			Hash: childHash,
		})
		var buf bytes.Buffer
		if err := rewritten.Encode(&buf); err != nil {
			return nil, fmt.Errorf("mono: cascade: encode tree: %w", err)
		}
		rewritten.Hash = object.HashPayload(object.TreeType, buf.Bytes())
		newTrees = append(newTrees, rewritten)
		childHash = rewritten.Hash
	}

	if err := e.persistTrees(ctx, newTrees); err != nil {
		return nil, err
	}

	return e.commitNewRoot(ctx, in, rootRef, childHash)
}

func (e *Engine) persistTrees(ctx context.Context, trees []*object.Tree) error {
	objs := make([]storage.PendingObject, 0, len(trees))
	for _, t := range trees {
		var buf bytes.Buffer
		if err := t.Encode(&buf); err != nil {
			return fmt.Errorf("mono: cascade: encode tree: %w", err)
		}
		objs = append(objs, storage.PendingObject{Hash: t.Hash, Type: object.TreeType, Payload: buf.Bytes()})
	}
	if err := e.db.BatchPutObjects(ctx, objs); err != nil {
		return fmt.Errorf("mono: cascade: persist trees: %w", err)
	}
	return nil
}

func (e *Engine) commitNewRoot(ctx context.Context, in CascadeInput, rootRef *storage.Ref, newRootTree plumbing.Hash) (*CascadeResult, error) {
	commit := &object.Commit{
		Tree:      newRootTree,
		Parents:   []plumbing.Hash{rootRef.CommitHash},
		Author:    in.SubCommit.Author,
		Committer: in.SubCommit.Committer,
		Message:   in.SubCommit.Message,
	}
	var buf bytes.Buffer
	if err := commit.Encode(&buf); err != nil {
		return nil, fmt.Errorf("mono: cascade: encode commit: %w", err)
	}
	commit.Hash = object.HashPayload(object.CommitType, buf.Bytes())

	if err := e.db.PutObject(ctx, commit.Hash, object.CommitType, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("mono: cascade: persist commit: %w", err)
	}

	if _, err := e.db.CASUpdateRef(ctx, in.RootRefPath, in.ExpectedRoot, commit.Hash, newRootTree); err != nil {
		return nil, fmt.Errorf("mono: cascade: %w", err)
	}

	if in.SubPathRef != "" {
		if ref, err := e.db.GetRef(ctx, in.SubPathRef); err == nil {
			if err := e.db.DeleteRef(ctx, in.SubPathRef, ref.CommitHash); err != nil && !storage.IsErrRefConflict(err) {
				return nil, fmt.Errorf("mono: cascade: remove subpath ref: %w", err)
			}
		} else if !storage.IsErrRefNotFound(err) {
			return nil, fmt.Errorf("mono: cascade: %w", err)
		}
	}

	return &CascadeResult{NewRootCommit: commit.Hash, NewRootTree: newRootTree}, nil
}

// EnsureIntermediateDirs materializes any missing directory levels along
// path before a cascade that targets a brand-new subpath, per §4.5's note
// that directory creation is a separate explicit operation. Returns path's
// own tree hash if path already exists in full. Otherwise it stores the new
// trees and their .gitkeep blob and returns the outermost new tree's hash;
// rootTree itself is not rewritten to include it.
func (e *Engine) EnsureIntermediateDirs(ctx context.Context, rootTree plumbing.Hash, path string, createdAtUnixNano int64) (plumbing.Hash, error) {
	norm, err := plumbing.NormalizePath(path)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	_, target, err := pathresolver.ResolveForUpdate(ctx, e.db, rootTree, norm)
	if err == nil && target != nil {
		return target.Hash, nil
	}
	if err != nil && err != plumbing.ErrPathNotFound {
		return plumbing.ZeroHash, err
	}

	existing, missing, findErr := e.longestExistingPrefix(ctx, rootTree, norm)
	if findErr != nil {
		return plumbing.ZeroHash, findErr
	}
	plan, err := pathresolver.EnsurePath(existing, missing, createdAtUnixNano)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	objs := []storage.PendingObject{{Hash: plan.Blob.Hash, Type: object.BlobType, Payload: plan.Blob.Payload}}
	for _, t := range plan.NewTrees {
		var buf bytes.Buffer
		if err := t.Encode(&buf); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("mono: ensure_path: encode tree: %w", err)
		}
		objs = append(objs, storage.PendingObject{Hash: t.Hash, Type: object.TreeType, Payload: buf.Bytes()})
	}
	if err := e.db.BatchPutObjects(ctx, objs); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("mono: ensure_path: %w", err)
	}
	return plan.NewTrees[len(plan.NewTrees)-1].Hash, nil
}

// longestExistingPrefix walks path's components from the root, stopping at
// the first component that does not resolve; returns the tree at that point
// and the remaining (missing) components.
func (e *Engine) longestExistingPrefix(ctx context.Context, rootTree plumbing.Hash, norm string) (plumbing.Hash, []string, error) {
	components := plumbing.PathComponents(norm)
	cur := rootTree
	for i, name := range components {
		tree, err := e.db.GetTree(ctx, cur)
		if err != nil {
			return plumbing.ZeroHash, nil, fmt.Errorf("mono: ensure_path: %w", err)
		}
		entry, ok := tree.Entry(name)
		if !ok {
			return cur, components[i:], nil
		}
		if entry.Type() != object.TreeType {
			return plumbing.ZeroHash, nil, fmt.Errorf("mono: ensure_path: %q is not a directory", name)
		}
		cur = entry.Hash
	}
	return cur, nil, nil
}
