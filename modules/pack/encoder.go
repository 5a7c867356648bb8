// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
)

// EncodeObject is one object the Encoder writes into the pack, always
// written in full (non-delta) form — §4.3's "optional delta compression"
// is left for a future optimization pass; correctness never depends on it,
// since every entry type here already round-trips through the decoder.
type EncodeObject struct {
	Hash    plumbing.Hash
	Type    object.Type
	Payload []byte
}

// Encoder builds a pack stream from a closed set of objects (§4.3): a
// count-pass to write the header, then an emit-pass writing each object as
// a whole (STORE, not delta) zlib-compressed entry, finished with a
// trailing SHA-1 checksum of everything written.
type Encoder struct {
	w   io.Writer
	sum interface{ Sum([]byte) []byte } // nil until WriteHeader, then the running SHA-1
}

// NewEncoder wraps w. Writes only start flowing through a running SHA-1
// once WriteHeader establishes it, matching the pack format's requirement
// that the trailer checksum cover the header too.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteHeader writes the 12-byte pack header for a pack that will contain
// count objects.
func (e *Encoder) WriteHeader(count uint32) error {
	hw := sha1.New()
	e.sum = hw
	e.w = io.MultiWriter(e.w, hw)
	var hdr [headerSize]byte
	copy(hdr[0:4], packMagic[:])
	binary.BigEndian.PutUint32(hdr[4:8], SupportedVersion)
	binary.BigEndian.PutUint32(hdr[8:12], count)
	_, err := e.w.Write(hdr[:])
	return err
}

func typeTag(t object.Type) (EntryType, error) {
	switch t {
	case object.CommitType:
		return entryCommit, nil
	case object.TreeType:
		return entryTree, nil
	case object.BlobType:
		return entryBlob, nil
	case object.TagType:
		return entryTag, nil
	default:
		return 0, plumbing.ErrUnknownObjectType
	}
}

// WriteObject appends a single non-delta entry: type+size varint header,
// zlib-compressed payload.
func (e *Encoder) WriteObject(obj *EncodeObject) error {
	tag, err := typeTag(obj.Type)
	if err != nil {
		return err
	}
	if err := e.writeEntryHeader(tag, uint64(len(obj.Payload))); err != nil {
		return err
	}
	zw := zlib.NewWriter(e.w)
	if _, err := zw.Write(obj.Payload); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func (e *Encoder) writeEntryHeader(t EntryType, size uint64) error {
	first := byte(t&0x7) << 4
	first |= byte(size & 0x0f)
	size >>= 4
	if size != 0 {
		first |= 0x80
	}
	if _, err := e.w.Write([]byte{first}); err != nil {
		return err
	}
	for size != 0 {
		b := byte(size & 0x7f)
		size >>= 7
		if size != 0 {
			b |= 0x80
		}
		if _, err := e.w.Write([]byte{b}); err != nil {
			return err
		}
	}
	return nil
}

// WriteTrailer finishes the stream with the running SHA-1 checksum of
// everything written since WriteHeader (§4.3 final step).
func (e *Encoder) WriteTrailer() error {
	if e.sum == nil {
		return fmt.Errorf("mono: pack encoder: WriteHeader was never called")
	}
	_, err := e.w.Write(e.sum.Sum(nil))
	return err
}
