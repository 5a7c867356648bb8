// Copyright 2018 Sourced Technologies, S.L.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/modules/plumbing/filemode"
)

var ErrTreeEntryNameInvalid = errors.New("mono: tree entry name contains NUL or '/'")

// TreeEntry is one line of a tree object: a mode, a name, and the hash of
// the blob/tree/commit(submodule) it refers to.
type TreeEntry struct {
	Name string            `json:"name"`
	Mode filemode.FileMode `json:"mode"`
	Hash plumbing.Hash     `json:"hash"`
}

func (e *TreeEntry) Clone() *TreeEntry {
	return &TreeEntry{Name: e.Name, Mode: e.Mode, Hash: e.Hash}
}

func (e *TreeEntry) Equal(other *TreeEntry) bool {
	if (e == nil) != (other == nil) {
		return false
	}
	if e == nil {
		return true
	}
	return e.Name == other.Name && e.Mode == other.Mode && e.Hash == other.Hash
}

// Type resolves the object type a tree entry's mode addresses.
func (e *TreeEntry) Type() Type {
	switch {
	case e.Mode.IsDir():
		return TreeType
	case e.Mode.IsSubmodule():
		return CommitType
	default:
		return BlobType
	}
}

// SubtreeOrder sorts TreeEntry values in Git's canonical tree order:
// lexicographic byte order, with directory entries compared as though their
// name ended in "/". A file whose next byte is below '/' (0x2f) therefore
// sorts before a directory sharing its name as a prefix ("foo.go" before
// directory "foo"), while one whose next byte is above it sorts after
// ("foo0" after directory "foo").
// See https://github.com/git/git/blob/v2.13.0/fsck.c#L492-L525.
type SubtreeOrder []*TreeEntry

func (s SubtreeOrder) Len() int      { return len(s) }
func (s SubtreeOrder) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s SubtreeOrder) Less(i, j int) bool {
	return s.sortKey(i) < s.sortKey(j)
}

func (s SubtreeOrder) sortKey(i int) string {
	e := s[i]
	if e.Type() == TreeType {
		return e.Name + "/"
	}
	return e.Name
}

// Tree is a list of TreeEntry values, encoded/decoded in Git's canonical
// wire format (§4.1): repeated "<mode-octal> <name>\0<20-byte-raw-hash>".
type Tree struct {
	Hash    plumbing.Hash `json:"hash"`
	Entries []*TreeEntry  `json:"entries"`
}

func NewTree(entries []*TreeEntry) *Tree {
	sorted := make([]*TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Sort(SubtreeOrder(sorted))
	return &Tree{Entries: sorted}
}

func (t *Tree) Type() Type { return TreeType }

// Entry looks up a direct child entry by name.
func (t *Tree) Entry(name string) (*TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// Merge replaces or appends entries by name and re-sorts in subtree order,
// used by the Ref & Root Engine's cascade (§4.5) to splice a new child hash
// into an ancestor tree without rebuilding it from scratch.
func (t *Tree) Merge(others ...*TreeEntry) *Tree {
	byName := make(map[string]*TreeEntry, len(others))
	for _, o := range others {
		byName[o.Name] = o
	}
	entries := make([]*TreeEntry, 0, len(t.Entries)+len(others))
	for _, e := range t.Entries {
		if o, ok := byName[e.Name]; ok {
			entries = append(entries, o)
			delete(byName, e.Name)
		} else {
			entries = append(entries, e.Clone())
		}
	}
	for _, remaining := range byName {
		entries = append(entries, remaining)
	}
	sort.Sort(SubtreeOrder(entries))
	return &Tree{Entries: entries}
}

// Remove drops the entry with the given name, if present, returning a new
// Tree (used by the cascade when a path component is deleted).
func (t *Tree) Remove(name string) *Tree {
	entries := make([]*TreeEntry, 0, len(t.Entries))
	for _, e := range t.Entries {
		if e.Name != name {
			entries = append(entries, e.Clone())
		}
	}
	return &Tree{Entries: entries}
}

func (t *Tree) Encode(w io.Writer) error {
	sorted := make([]*TreeEntry, len(t.Entries))
	copy(sorted, t.Entries)
	sort.Sort(SubtreeOrder(sorted))
	for _, entry := range sorted {
		if bytes.ContainsAny([]byte(entry.Name), "\x00/") {
			return fmt.Errorf("%w: %q", ErrTreeEntryNameInvalid, entry.Name)
		}
		nameBytes, err := encodeTreeName(entry.Name)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%o ", uint32(entry.Mode)); err != nil {
			return err
		}
		if _, err := w.Write(nameBytes); err != nil {
			return err
		}
		if _, err := w.Write([]byte{0x00}); err != nil {
			return err
		}
		if _, err := w.Write(entry.Hash[:]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) Decode(r io.Reader) error {
	br := bufio.NewReader(r)
	var entries []*TreeEntry
	for {
		modeStr, err := br.ReadString(' ')
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("mono: tree decode: %w", err)
		}
		mode, err := filemode.New(modeStr[:len(modeStr)-1])
		if err != nil {
			return fmt.Errorf("mono: tree decode: %w", err)
		}
		nameBytes, err := br.ReadBytes(0)
		if err != nil {
			return fmt.Errorf("mono: tree decode: truncated name: %w", err)
		}
		name := decodeTreeName(nameBytes[:len(nameBytes)-1])
		var hash plumbing.Hash
		if _, err := io.ReadFull(br, hash[:]); err != nil {
			return fmt.Errorf("mono: tree decode: truncated hash: %w", err)
		}
		entries = append(entries, &TreeEntry{Name: name, Mode: mode, Hash: hash})
	}
	t.Entries = entries
	return nil
}

// encodeTreeName encodes a tree entry name for the wire. Valid UTF-8 is
// written verbatim; names that originated from a non-UTF-8 legacy
// filesystem (decoded on ingest via the ISO-8859-1 fallback below) are
// mapped back to their original single-byte-per-rune encoding so the
// round trip in §9 open question #2 is byte-lossless.
func encodeTreeName(name string) ([]byte, error) {
	if utf8.ValidString(name) {
		return []byte(name), nil
	}
	enc := charmap.ISO8859_1.NewEncoder()
	out, err := enc.Bytes([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("mono: tree entry name %q: %w", name, err)
	}
	return out, nil
}

// decodeTreeName decodes a raw tree entry name, preferring UTF-8 and
// falling back to ISO-8859-1 (a byte-lossless single-byte charset, so every
// possible input byte sequence decodes to *some* string) when the bytes are
// not valid UTF-8. This makes decode a total function over arbitrary bytes,
// matching how real repositories carry legacy-encoded filenames.
func decodeTreeName(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	dec := charmap.ISO8859_1.NewDecoder()
	out, err := dec.Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
