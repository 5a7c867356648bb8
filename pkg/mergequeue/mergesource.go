// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package mergequeue

import (
	"bytes"
	"context"
	"fmt"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/pkg/storage"
)

// storageMergeInputSource is the production MergeInputSource: a CL's
// pending commits were already persisted by the Pack Decoder at push time
// (§4.9 ReceivePack), so PrepareMerge only needs to load the CL's own tip
// commit back out of storage and hand its tree over as the new subtree.
type storageMergeInputSource struct {
	db storage.DB
}

// NewStorageMergeInputSource wires a Queue to the CL's own tip commit
// (cl.ToHash) as the cascade input, the default production wiring every
// deployment uses unless it substitutes a test double.
func NewStorageMergeInputSource(db storage.DB) MergeInputSource {
	return &storageMergeInputSource{db: db}
}

func (s *storageMergeInputSource) PrepareMerge(ctx context.Context, cl *storage.CL) (plumbing.Hash, *object.Commit, error) {
	typ, payload, err := s.db.GetObject(ctx, cl.ToHash)
	if err != nil {
		return plumbing.ZeroHash, nil, fmt.Errorf("mono: prepare merge: %w", err)
	}
	if typ != object.CommitType {
		return plumbing.ZeroHash, nil, fmt.Errorf("mono: prepare merge: %s is not a commit", cl.ToHash)
	}
	var commit object.Commit
	if err := commit.Decode(bytes.NewReader(payload)); err != nil {
		return plumbing.ZeroHash, nil, fmt.Errorf("mono: prepare merge: decode commit %s: %w", cl.ToHash, err)
	}
	commit.Hash = cl.ToHash
	return commit.Tree, &commit, nil
}
