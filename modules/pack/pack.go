// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package pack implements the Pack Decoder and Pack Encoder (§4.2, §4.3):
// parsing and producing Git's pack-stream wire format, including OFS/REF
// delta resolution.
package pack

import (
	"encoding/binary"
	"fmt"
)

// packMagic is the fixed 4-byte signature every pack stream begins with.
var packMagic = [4]byte{'P', 'A', 'C', 'K'}

const (
	headerSize       = 12
	checksumSize     = 20
	SupportedVersion = 2
)

// EntryType is the type tag carried by each pack entry, a superset of
// object.Type that also covers the two delta forms (§4.2).
type EntryType uint8

const (
	entryCommit   EntryType = 1
	entryTree     EntryType = 2
	entryBlob     EntryType = 3
	entryTag      EntryType = 4
	entryOfsDelta EntryType = 6
	entryRefDelta EntryType = 7
)

func (t EntryType) String() string {
	switch t {
	case entryCommit:
		return "commit"
	case entryTree:
		return "tree"
	case entryBlob:
		return "blob"
	case entryTag:
		return "tag"
	case entryOfsDelta:
		return "ofs-delta"
	case entryRefDelta:
		return "ref-delta"
	default:
		return "unknown"
	}
}

// parseHeader validates and parses the 12-byte pack header: magic, version,
// object count, all big-endian (§4.2 step 1).
func parseHeader(b []byte) (version, count uint32, err error) {
	if len(b) < headerSize {
		return 0, 0, fmt.Errorf("mono: pack header: short read")
	}
	if [4]byte(b[0:4]) != packMagic {
		return 0, 0, fmt.Errorf("mono: pack header: bad magic")
	}
	version = binary.BigEndian.Uint32(b[4:8])
	count = binary.BigEndian.Uint32(b[8:12])
	if version != SupportedVersion {
		return 0, 0, fmt.Errorf("mono: pack header: unsupported version %d", version)
	}
	return version, count, nil
}

// decodeTypeAndSize reads a pack entry's type+size prefix: the low 4 bits of
// the first byte are the low bits of size, the upper 3 bits are the type;
// each byte after the first contributes 7 more size bits, MSB-continuation.
func decodeTypeAndSize(b []byte) (t EntryType, size uint64, n int, err error) {
	if len(b) == 0 {
		return 0, 0, 0, fmt.Errorf("mono: pack entry: truncated header")
	}
	c := b[0]
	t = EntryType((c >> 4) & 0x7)
	size = uint64(c & 0x0f)
	shift := uint(4)
	n = 1
	for c&0x80 != 0 {
		if n >= len(b) {
			return 0, 0, 0, fmt.Errorf("mono: pack entry: truncated size varint")
		}
		c = b[n]
		size |= uint64(c&0x7f) << shift
		shift += 7
		n++
	}
	return t, size, n, nil
}

// decodeOfsOffset reads the negative offset-delta encoding used by
// OFS_DELTA entries: a big-endian base-128 varint with an MSB-continuation
// bit and a +1 bias applied on every byte after the first (matching git's
// own encoding in builtin/pack-objects.c).
func decodeOfsOffset(b []byte) (offset int64, n int, err error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("mono: pack entry: truncated ofs-delta offset")
	}
	c := b[0]
	offset = int64(c & 0x7f)
	n = 1
	for c&0x80 != 0 {
		if n >= len(b) {
			return 0, 0, fmt.Errorf("mono: pack entry: truncated ofs-delta offset")
		}
		c = b[n]
		offset = ((offset + 1) << 7) | int64(c&0x7f)
		n++
	}
	return offset, n, nil
}
