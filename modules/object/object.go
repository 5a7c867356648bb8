// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package object implements the Object Codec (§4.1): content-addressed
// encode/decode of Commit, Tree, Blob and Tag objects in Git's own wire
// format, plus loose (zlib-wrapped) framing and delta application.
package object

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/monocorp/monoforge/modules/plumbing"
)

var ErrUnsupportedObject = errors.New("mono: unsupported object type")

// Type is the closed set of object types the codec understands (§3.1).
type Type int8

const (
	InvalidObject Type = 0
	CommitType    Type = 1
	TreeType      Type = 2
	BlobType      Type = 3
	TagType       Type = 4
)

func (t Type) String() string {
	switch t {
	case CommitType:
		return "commit"
	case TreeType:
		return "tree"
	case BlobType:
		return "blob"
	case TagType:
		return "tag"
	default:
		return "invalid"
	}
}

// TypeFromString parses a wire/object-header type tag, e.g. the first field
// of a loose object's "<type> <size>\0" preamble.
func TypeFromString(s string) Type {
	switch strings.ToLower(s) {
	case "commit":
		return CommitType
	case "tree":
		return TreeType
	case "blob":
		return BlobType
	case "tag":
		return TagType
	default:
		return InvalidObject
	}
}

// Encoder produces the canonical wire-format payload for an object, with no
// leading type/size header — hash() and loose framing add that separately.
type Encoder interface {
	Type() Type
	Encode(w io.Writer) error
}

// Hash computes the content address of an object per §4.1: the SHA-1 of
// "<type> <decimal size>\0<payload>".
func Hash(e Encoder) (plumbing.Hash, error) {
	var body bytes.Buffer
	if err := e.Encode(&body); err != nil {
		return plumbing.ZeroHash, err
	}
	return HashPayload(e.Type(), body.Bytes()), nil
}

// HashPayload computes SHA1(type ‖ " " ‖ decimal_size ‖ NUL ‖ payload)
// directly from an already-encoded payload.
func HashPayload(t Type, payload []byte) plumbing.Hash {
	h := plumbing.NewHasher()
	fmt.Fprintf(h, "%s %d\x00", t, len(payload))
	h.Write(payload)
	return h.Sum()
}

// header parses the "<type> <size>\0" preamble shared by loose objects.
func header(r io.Reader) (Type, int64, error) {
	br := newByteReader(r)
	typeStr, err := br.readUntil(' ')
	if err != nil {
		return InvalidObject, 0, fmt.Errorf("mono: object header: %w", err)
	}
	sizeStr, err := br.readUntil(0)
	if err != nil {
		return InvalidObject, 0, fmt.Errorf("mono: object header: %w", err)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return InvalidObject, 0, fmt.Errorf("mono: object header: bad size %q", sizeStr)
	}
	t := TypeFromString(typeStr)
	if t == InvalidObject {
		return InvalidObject, 0, ErrUnsupportedObject
	}
	return t, size, nil
}

// byteReader is a minimal single-byte-delimiter reader so header() doesn't
// need a bufio dependency for a handful of bytes.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func newByteReader(r io.Reader) *byteReader { return &byteReader{r: r} }

func (b *byteReader) readUntil(delim byte) (string, error) {
	var out []byte
	for {
		if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
			return "", err
		}
		if b.buf[0] == delim {
			return string(out), nil
		}
		out = append(out, b.buf[0])
	}
}
