// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"bytes"
	"context"
	"fmt"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
)

// ObjectSource is the read surface the Pack Encoder needs from the Object
// Storage component (C4): enough to walk history and fetch payloads without
// modules/pack importing pkg/storage directly, mirroring the teacher's own
// storage.Storage abstraction boundary (modules/zeta/backend/storage).
type ObjectSource interface {
	ReadObject(ctx context.Context, oid plumbing.Hash) (object.Type, []byte, error)
	CommitParents(ctx context.Context, oid plumbing.Hash) ([]plumbing.Hash, error)
	CommitTree(ctx context.Context, oid plumbing.Hash) (plumbing.Hash, error)
	TreeEntries(ctx context.Context, oid plumbing.Hash) ([]*object.TreeEntry, error)
}

// BuildPack implements §4.3's want/have pack-building algorithm: walk every
// reachable object starting at wants, stopping at any commit reachable from
// haves (the client's existing tips), and emit the remainder as a pack.
// This function has no depth concept and does no shallow-clone handling;
// RewriteShallowParents is a separate helper that clears the parent lists
// of chosen commits in an object set.
func BuildPack(ctx context.Context, w *Encoder, src ObjectSource, wants, haves []plumbing.Hash) error {
	exclude := make(map[plumbing.Hash]bool)
	if err := walkCommits(ctx, src, haves, exclude, nil); err != nil {
		return fmt.Errorf("mono: build pack: computing exclusion set: %w", err)
	}

	include := make(map[plumbing.Hash]*EncodeObject)
	if err := walkCommits(ctx, src, wants, exclude, include); err != nil {
		return fmt.Errorf("mono: build pack: walking wants: %w", err)
	}

	if err := w.WriteHeader(uint32(len(include))); err != nil {
		return err
	}
	for _, obj := range include {
		if err := w.WriteObject(obj); err != nil {
			return err
		}
	}
	return w.WriteTrailer()
}

// walkCommits performs a reachability walk from roots, collecting every
// commit/tree/blob it visits into include (when non-nil), or else recording
// visited commit oids into exclude, stopping recursion at any commit
// already present in exclude. Passing include == nil turns this into
// a pure "mark reachable, don't collect payloads" pass, used to compute the
// have-side exclusion set cheaply.
func walkCommits(ctx context.Context, src ObjectSource, roots []plumbing.Hash, exclude map[plumbing.Hash]bool, include map[plumbing.Hash]*EncodeObject) error {
	var stack []plumbing.Hash
	stack = append(stack, roots...)
	seen := make(map[plumbing.Hash]bool)

	for len(stack) > 0 {
		oid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if oid.IsZero() || seen[oid] {
			continue
		}
		seen[oid] = true
		if exclude[oid] {
			continue
		}

		parents, err := src.CommitParents(ctx, oid)
		if err != nil {
			return err
		}
		tree, err := src.CommitTree(ctx, oid)
		if err != nil {
			return err
		}

		if include != nil {
			if err := addObject(ctx, src, include, oid, object.CommitType); err != nil {
				return err
			}
			if err := walkTree(ctx, src, tree, include); err != nil {
				return err
			}
		} else {
			exclude[oid] = true
		}

		stack = append(stack, parents...)
	}
	return nil
}

func walkTree(ctx context.Context, src ObjectSource, oid plumbing.Hash, include map[plumbing.Hash]*EncodeObject) error {
	if oid.IsZero() {
		return nil
	}
	if _, ok := include[oid]; ok {
		return nil
	}
	if err := addObject(ctx, src, include, oid, object.TreeType); err != nil {
		return err
	}
	entries, err := src.TreeEntries(ctx, oid)
	if err != nil {
		return err
	}
	for _, e := range entries {
		switch e.Type() {
		case object.TreeType:
			if err := walkTree(ctx, src, e.Hash, include); err != nil {
				return err
			}
		case object.BlobType:
			if _, ok := include[e.Hash]; !ok {
				if err := addObject(ctx, src, include, e.Hash, object.BlobType); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func addObject(ctx context.Context, src ObjectSource, include map[plumbing.Hash]*EncodeObject, oid plumbing.Hash, want object.Type) error {
	t, payload, err := src.ReadObject(ctx, oid)
	if err != nil {
		return err
	}
	if t != want {
		return fmt.Errorf("mono: build pack: %s: expected %s, storage returned %s", oid, want, t)
	}
	include[oid] = &EncodeObject{Hash: oid, Type: t, Payload: payload}
	return nil
}

// RewriteShallowParents clears the parent list of a set of commits before
// encoding, producing the "grafted" history a shallow clone response needs
// (§4.3's shallow-clone commit rewriting): the client receives a valid
// commit whose parents are simply absent rather than unresolvable.
func RewriteShallowParents(objs map[plumbing.Hash]*EncodeObject, shallowAt map[plumbing.Hash]bool) error {
	for oid := range shallowAt {
		obj, ok := objs[oid]
		if !ok || obj.Type != object.CommitType {
			continue
		}
		c := &object.Commit{}
		if err := c.Decode(bytes.NewReader(obj.Payload)); err != nil {
			return fmt.Errorf("mono: rewrite shallow parents: %w", err)
		}
		c.Parents = nil
		c.Hash = obj.Hash
		var buf bytes.Buffer
		if err := c.Encode(&buf); err != nil {
			return err
		}
		obj.Payload = buf.Bytes()
	}
	return nil
}
