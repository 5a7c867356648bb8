// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/monocorp/monoforge/modules/plumbing"
)

// EncodeLoose writes an object in Git's loose-object form: zlib(type SP size
// NUL payload). This is the form persisted by the local-FS raw-blob backend
// and exchanged byte-for-byte with the hash computed by Hash().
func EncodeLoose(w io.Writer, e Encoder) (plumbing.Hash, error) {
	var body bytes.Buffer
	if err := e.Encode(&body); err != nil {
		return plumbing.ZeroHash, err
	}
	oid := HashPayload(e.Type(), body.Bytes())

	zw := zlib.NewWriter(w)
	if _, err := fmt.Fprintf(zw, "%s %d\x00", e.Type(), body.Len()); err != nil {
		_ = zw.Close()
		return plumbing.ZeroHash, err
	}
	if _, err := zw.Write(body.Bytes()); err != nil {
		_ = zw.Close()
		return plumbing.ZeroHash, err
	}
	if err := zw.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return oid, nil
}

// DecodeLoose reads a zlib-wrapped loose object, validating that its
// declared type/size preamble matches oid's expected content once
// re-hashed, and returns the decoded value (*Commit, *Tree, *Blob, or *Tag).
func DecodeLoose(r io.Reader, oid plumbing.Hash) (any, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("mono: loose object %s: %w", oid, err)
	}
	defer zr.Close()

	t, size, err := header(zr)
	if err != nil {
		return nil, fmt.Errorf("mono: loose object %s: %w", oid, err)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(zr, payload); err != nil {
		return nil, fmt.Errorf("mono: loose object %s: truncated payload: %w", oid, err)
	}
	if got := HashPayload(t, payload); got != oid {
		return nil, fmt.Errorf("mono: loose object %s: content hashes to %s", oid, got)
	}
	return decodeBody(t, oid, payload)
}

func decodeBody(t Type, oid plumbing.Hash, payload []byte) (any, error) {
	switch t {
	case CommitType:
		c := &Commit{Hash: oid}
		if err := c.Decode(bytes.NewReader(payload)); err != nil {
			return nil, err
		}
		return c, nil
	case TreeType:
		tr := &Tree{Hash: oid}
		if err := tr.Decode(bytes.NewReader(payload)); err != nil {
			return nil, err
		}
		return tr, nil
	case BlobType:
		return &Blob{Hash: oid, Payload: payload}, nil
	case TagType:
		tg := &Tag{Hash: oid}
		if err := tg.Decode(bytes.NewReader(payload)); err != nil {
			return nil, err
		}
		return tg, nil
	default:
		return nil, ErrUnsupportedObject
	}
}

// DecodeRaw decodes payload, an uncompressed object body without the
// "<type> <size>\0" header, as an object of type t with id oid, as
// produced by the Pack Decoder (C2) after inflating a pack entry.
func DecodeRaw(t Type, oid plumbing.Hash, payload []byte) (any, error) {
	return decodeBody(t, oid, payload)
}
