// Copyright 2018 Sourced Technologies, S.L.
// SPDX-License-Identifier: Apache-2.0

// Package filemode enumerates the closed set of TreeItem modes defined in
// §3.1: File, ExecFile, SymLink, Directory, GitLink.
package filemode

import (
	"fmt"
	"strconv"
)

// FileMode represents the unix file mode stored in a Git tree entry,
// restricted to the handful of values Git itself ever writes.
type FileMode uint32

const (
	Empty      FileMode = 0
	Dir        FileMode = 0040000
	Regular    FileMode = 0100644
	Deprecated FileMode = 0100664
	Executable FileMode = 0100755
	Symlink    FileMode = 0120000
	Submodule  FileMode = 0160000
)

// New parses the octal ASCII representation of a mode as it appears in a
// tree entry, e.g. "100644".
func New(s string) (FileMode, error) {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return Empty, fmt.Errorf("filemode: invalid mode %q: %w", s, err)
	}
	return FileMode(n), nil
}

func (m FileMode) String() string {
	return fmt.Sprintf("%06o", uint32(m))
}

func (m FileMode) IsDir() bool {
	return m == Dir
}

func (m FileMode) IsRegular() bool {
	return m == Regular || m == Deprecated || m == Executable
}

func (m FileMode) IsExecutable() bool {
	return m == Executable
}

func (m FileMode) IsSymlink() bool {
	return m == Symlink
}

func (m FileMode) IsSubmodule() bool {
	return m == Submodule
}

// Valid reports whether m is one of the closed set of modes §3.1 allows a
// TreeItem to carry. Deprecated (100664) is accepted on decode for
// compatibility with old trees but is never produced on encode.
func (m FileMode) Valid() bool {
	switch m {
	case Dir, Regular, Deprecated, Executable, Symlink, Submodule:
		return true
	default:
		return false
	}
}
