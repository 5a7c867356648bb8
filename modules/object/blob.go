// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"io"

	"github.com/monocorp/monoforge/modules/plumbing"
)

// Blob is an opaque byte payload; Git assigns it no internal structure.
type Blob struct {
	Hash    plumbing.Hash `json:"hash"`
	Payload []byte        `json:"-"`
}

func (b *Blob) Type() Type { return BlobType }

func (b *Blob) Encode(w io.Writer) error {
	_, err := w.Write(b.Payload)
	return err
}

func (b *Blob) Size() int64 { return int64(len(b.Payload)) }
