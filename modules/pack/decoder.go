// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/klauspost/compress/zlib"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
)

// rawEntry is one parsed-but-not-yet-resolved pack entry: either a whole
// object payload, or a delta against a base addressed by pack offset
// (OfsDelta) or object id (RefDelta).
type rawEntry struct {
	offset    int64
	entryType EntryType
	size      uint64
	payload   []byte // decompressed: either the full object, or delta bytes
	baseOid   plumbing.Hash
	baseOfs   int64
}

// Object is a fully resolved pack entry: a concrete object type and its
// decompressed, delta-resolved payload.
type Object struct {
	Hash    plumbing.Hash
	Type    object.Type
	Payload []byte
}

// Decoder streams a pack file and resolves it into a set of Objects (§4.2).
// Base-object resolution runs across an errgroup worker pool of at most
// maxInFlight goroutines. Decode reads every entry's inflated payload into
// memory before resolution starts; maxInFlight limits concurrency, not the
// number of entries held in memory.
type Decoder struct {
	baseCache   *ristretto.Cache[int64, resolvedBase]
	maxInFlight int
}

// resolvedBase is what the base-object cache stores: a delta base's
// concrete type alongside its resolved payload, so a cache hit doesn't
// need to re-walk the chain to learn the type.
type resolvedBase struct {
	t       object.Type
	payload []byte
}

// NewDecoder builds a Decoder with a bounded base-object cache sized for
// pack decode. The bound is in bytes, not entries: each cached base costs
// its payload length, up to 64 MiB in total.
func NewDecoder(maxInFlight int) (*Decoder, error) {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	cache, err := ristretto.NewCache(&ristretto.Config[int64, resolvedBase]{
		NumCounters: 100_000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("mono: pack decoder: %w", err)
	}
	return &Decoder{baseCache: cache, maxInFlight: maxInFlight}, nil
}

// Close releases the decoder's base-object cache.
func (d *Decoder) Close() { d.baseCache.Close() }

// DecodeResult is the outcome of decoding a full pack stream.
type DecodeResult struct {
	Objects     []*Object
	Fingerprint plumbing.Hash // blake3 digest of the raw pack bytes, for idempotent-ingest dedup
}

// Decode parses r as a complete pack stream (header, entries, trailing
// SHA-1 checksum) and returns every object fully resolved to its concrete
// type and bytes (§4.2 steps 1-5).
func (d *Decoder) Decode(ctx context.Context, r io.Reader) (*DecodeResult, error) {
	running := sha1.New()
	fp := blake3.New()
	tee := io.TeeReader(r, io.MultiWriter(running, fp))
	br := bufio.NewReaderSize(tee, 64<<10)

	// cr accounts bytes from the very start of the pack stream, matching
	// git's own convention that OfsDelta offsets are absolute within the
	// pack file (including its 12-byte header), not relative to the first
	// entry.
	cr := &countingReader{r: br}
	var hdr [headerSize]byte
	if _, err := io.ReadFull(cr, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", plumbing.ErrBadPackHeader, err)
	}
	_, count, err := parseHeader(hdr[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", plumbing.ErrBadPackHeader, err)
	}

	entries := make([]*rawEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		entry, err := d.readEntry(cr)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	var trailer [checksumSize]byte
	if _, err := io.ReadFull(br, trailer[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", plumbing.ErrBadChecksum, err)
	}
	if !bytes.Equal(running.Sum(nil), trailer[:]) {
		return nil, plumbing.ErrBadChecksum
	}

	objs, err := d.resolve(ctx, entries)
	if err != nil {
		return nil, err
	}
	var fingerprint plumbing.Hash
	copy(fingerprint[:], fp.Sum(nil))
	return &DecodeResult{Objects: objs, Fingerprint: fingerprint}, nil
}

// countingReader tracks the number of bytes read so OfsDelta offsets
// (relative to the start of their own entry header) can be converted to
// absolute pack offsets.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// zlibByteReader lets the per-entry zlib.NewReader stop exactly at the end
// of its own deflate stream while sharing the countingReader's position
// bookkeeping; zlib itself determines the stream boundary.
type zlibByteReader struct {
	*countingReader
}

func (z zlibByteReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(z.countingReader, b[:])
	return b[0], err
}

func (d *Decoder) readEntry(cr *countingReader) (*rawEntry, error) {
	offset := cr.n
	const maxHeaderBytes = 10
	var hdrBuf [maxHeaderBytes]byte
	n := 0
	for {
		if n >= maxHeaderBytes {
			return nil, fmt.Errorf("mono: pack entry at %d: header too long", offset)
		}
		var b [1]byte
		if _, err := io.ReadFull(cr, b[:]); err != nil {
			return nil, fmt.Errorf("mono: pack entry at %d: %w", offset, err)
		}
		hdrBuf[n] = b[0]
		n++
		if b[0]&0x80 == 0 {
			break
		}
	}
	entryType, size, _, err := decodeTypeAndSize(hdrBuf[:n])
	if err != nil {
		return nil, fmt.Errorf("mono: pack entry at %d: %w", offset, err)
	}

	entry := &rawEntry{offset: offset, entryType: entryType, size: size}

	switch entryType {
	case entryOfsDelta:
		var ofsBuf [maxHeaderBytes]byte
		m := 0
		for {
			if m >= maxHeaderBytes {
				return nil, fmt.Errorf("mono: pack entry at %d: ofs-delta offset too long", offset)
			}
			var b [1]byte
			if _, err := io.ReadFull(cr, b[:]); err != nil {
				return nil, fmt.Errorf("mono: pack entry at %d: %w", offset, err)
			}
			ofsBuf[m] = b[0]
			m++
			if b[0]&0x80 == 0 {
				break
			}
		}
		negOffset, _, err := decodeOfsOffset(ofsBuf[:m])
		if err != nil {
			return nil, fmt.Errorf("mono: pack entry at %d: %w", offset, err)
		}
		entry.baseOfs = offset - negOffset
		if entry.baseOfs < 0 || entry.baseOfs >= offset {
			return nil, fmt.Errorf("%w: entry at %d references offset %d", plumbing.ErrDeltaOutOfBounds, offset, entry.baseOfs)
		}
	case entryRefDelta:
		var oidBuf [plumbing.HASH_DIGEST_SIZE]byte
		if _, err := io.ReadFull(cr, oidBuf[:]); err != nil {
			return nil, fmt.Errorf("mono: pack entry at %d: %w", offset, err)
		}
		entry.baseOid = plumbing.Hash(oidBuf)
	case entryCommit, entryTree, entryBlob, entryTag:
		// no extra header bytes
	default:
		return nil, fmt.Errorf("%w: tag %d at offset %d", plumbing.ErrUnknownObjectType, entryType, offset)
	}

	zr, err := zlib.NewReader(zlibByteReader{cr})
	if err != nil {
		return nil, fmt.Errorf("mono: pack entry at %d: inflate: %w", offset, err)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(zr, payload); err != nil {
		_ = zr.Close()
		return nil, fmt.Errorf("mono: pack entry at %d: inflate: %w", offset, err)
	}
	_ = zr.Close()
	entry.payload = payload
	return entry, nil
}

// resolve walks every entry's delta-base chain to a concrete object,
// caching intermediate bases in d.baseCache and fanning non-delta entries
// out across an errgroup-bounded worker pool (§5 concurrency model).
func (d *Decoder) resolve(ctx context.Context, entries []*rawEntry) ([]*Object, error) {
	byOffset := make(map[int64]*rawEntry, len(entries))
	for _, e := range entries {
		byOffset[e.offset] = e
	}
	byOid := make(map[plumbing.Hash]*rawEntry, len(entries))

	// First pass: resolve every non-delta entry's identity so RefDelta
	// bases can be found by oid; this pass can run fully in parallel.
	identities := make([]plumbing.Hash, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxInFlight)
	for i, e := range entries {
		if e.entryType == entryOfsDelta || e.entryType == entryRefDelta {
			continue
		}
		i, e := i, e
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			t, ok := concreteType(e.entryType)
			if !ok {
				return fmt.Errorf("%w: tag %d", plumbing.ErrUnknownObjectType, e.entryType)
			}
			oid := object.HashPayload(t, e.payload)
			identities[i] = oid
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, e := range entries {
		if e.entryType != entryOfsDelta && e.entryType != entryRefDelta {
			byOid[identities[i]] = e
		}
	}

	results := make([]*Object, len(entries))
	g2, gctx2 := errgroup.WithContext(ctx)
	g2.SetLimit(d.maxInFlight)
	for i, e := range entries {
		i, e := i, e
		g2.Go(func() error {
			select {
			case <-gctx2.Done():
				return gctx2.Err()
			default:
			}
			t, payload, err := d.resolveEntry(e, byOffset, byOid, make(map[int64]bool))
			if err != nil {
				return err
			}
			results[i] = &Object{Hash: object.HashPayload(t, payload), Type: t, Payload: payload}
			return nil
		})
	}
	if err := g2.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func concreteType(t EntryType) (object.Type, bool) {
	switch t {
	case entryCommit:
		return object.CommitType, true
	case entryTree:
		return object.TreeType, true
	case entryBlob:
		return object.BlobType, true
	case entryTag:
		return object.TagType, true
	default:
		return object.InvalidObject, false
	}
}

// resolveEntry recursively resolves e to a concrete (type, payload),
// applying deltas bottom-up. visiting guards against a cyclic base chain
// (§4.2, ErrDeltaCycle).
func (d *Decoder) resolveEntry(e *rawEntry, byOffset map[int64]*rawEntry, byOid map[plumbing.Hash]*rawEntry, visiting map[int64]bool) (object.Type, []byte, error) {
	if t, ok := concreteType(e.entryType); ok {
		return t, e.payload, nil
	}
	if visiting[e.offset] {
		return object.InvalidObject, nil, plumbing.ErrDeltaCycle
	}
	visiting[e.offset] = true

	var baseType object.Type
	var basePayload []byte
	switch e.entryType {
	case entryOfsDelta:
		if cached, ok := d.baseCache.Get(e.baseOfs); ok {
			baseType, basePayload = cached.t, cached.payload
			break
		}
		base, ok := byOffset[e.baseOfs]
		if !ok {
			return object.InvalidObject, nil, fmt.Errorf("%w: no entry at offset %d", plumbing.ErrDeltaOutOfBounds, e.baseOfs)
		}
		var err error
		baseType, basePayload, err = d.resolveEntry(base, byOffset, byOid, visiting)
		if err != nil {
			return object.InvalidObject, nil, err
		}
		d.baseCache.Set(base.offset, resolvedBase{t: baseType, payload: basePayload}, int64(len(basePayload)))
	case entryRefDelta:
		base, ok := byOid[e.baseOid]
		if !ok {
			return object.InvalidObject, nil, fmt.Errorf("mono: pack entry: unresolved ref-delta base %s", e.baseOid)
		}
		var err error
		baseType, basePayload, err = d.resolveEntry(base, byOffset, byOid, visiting)
		if err != nil {
			return object.InvalidObject, nil, err
		}
		d.baseCache.Set(base.offset, resolvedBase{t: baseType, payload: basePayload}, int64(len(basePayload)))
	default:
		return object.InvalidObject, nil, plumbing.ErrUnknownObjectType
	}

	target, err := object.ApplyDelta(basePayload, e.payload)
	if err != nil {
		return object.InvalidObject, nil, err
	}
	return baseType, target, nil
}
