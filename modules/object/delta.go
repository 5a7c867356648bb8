// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"github.com/monocorp/monoforge/modules/plumbing"
)

// ApplyDelta reconstructs an object's payload from a base payload and a
// Git-format delta instruction stream (§4.1): a varint source size, a
// varint target size, followed by copy ("0ooooo oooo" opcodes addressing
// [offset, offset+size) of base) and insert (literal run, length in the low
// 7 bits of the opcode byte) instructions.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	srcSize, n := decodeDeltaSize(delta)
	if n == 0 {
		return nil, plumbing.ErrDeltaOutOfBounds
	}
	delta = delta[n:]
	if int(srcSize) != len(base) {
		return nil, plumbing.ErrDeltaOutOfBounds
	}

	targetSize, n := decodeDeltaSize(delta)
	if n == 0 {
		return nil, plumbing.ErrDeltaOutOfBounds
	}
	delta = delta[n:]

	out := make([]byte, 0, targetSize)
	for len(delta) > 0 {
		op := delta[0]
		delta = delta[1:]
		switch {
		case op&0x80 != 0:
			// Copy opcode: low 4 bits select which offset bytes follow,
			// next 3 bits select which size bytes follow.
			var offset, size int
			for i := 0; i < 4; i++ {
				if op&(1<<uint(i)) != 0 {
					if len(delta) == 0 {
						return nil, plumbing.ErrDeltaOutOfBounds
					}
					offset |= int(delta[0]) << uint(i*8)
					delta = delta[1:]
				}
			}
			for i := 0; i < 3; i++ {
				if op&(1<<uint(4+i)) != 0 {
					if len(delta) == 0 {
						return nil, plumbing.ErrDeltaOutOfBounds
					}
					size |= int(delta[0]) << uint(i*8)
					delta = delta[1:]
				}
			}
			if size == 0 {
				size = 0x10000
			}
			if offset < 0 || size < 0 || offset+size > len(base) {
				return nil, plumbing.ErrDeltaOutOfBounds
			}
			out = append(out, base[offset:offset+size]...)
		case op != 0:
			// Insert opcode: op itself is the literal length.
			size := int(op)
			if size > len(delta) {
				return nil, plumbing.ErrDeltaOutOfBounds
			}
			out = append(out, delta[:size]...)
			delta = delta[size:]
		default:
			// Opcode 0 is reserved and never emitted by a conforming encoder.
			return nil, plumbing.ErrDeltaOutOfBounds
		}
	}
	if len(out) != int(targetSize) {
		return nil, plumbing.ErrDeltaOutOfBounds
	}
	return out, nil
}

// decodeDeltaSize reads a little-endian base-128 varint (the size-encoding
// used for both the source and target size fields of a delta stream),
// returning the decoded value and the number of bytes consumed, or 0 bytes
// consumed on truncation.
func decodeDeltaSize(b []byte) (uint64, int) {
	var size uint64
	var shift uint
	for i, c := range b {
		size |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return size, i + 1
		}
		shift += 7
	}
	return 0, 0
}
