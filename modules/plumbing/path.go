// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package plumbing

import (
	"fmt"
	"strings"
)

// RootPath is the monorepo-relative path denoting the virtual root ("/").
const RootPath = "/"

// NormalizePath applies the input normalization rules from §4.6: a leading
// slash is required, trailing slashes are stripped, and "." / ".." path
// components are rejected outright (they would let a client escape the
// monorepo root or address a tree ambiguously).
func NormalizePath(p string) (string, error) {
	if p == "" || p == "/" {
		return RootPath, nil
	}
	if p[0] != '/' {
		return "", fmt.Errorf("mono: path %q must be absolute", p)
	}
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return RootPath, nil
	}
	for _, part := range strings.Split(trimmed, "/")[1:] {
		if part == "" {
			return "", fmt.Errorf("mono: path %q has an empty component", p)
		}
		if part == "." || part == ".." {
			return "", fmt.Errorf("mono: path %q contains a %q component", p, part)
		}
	}
	return trimmed, nil
}

// PathComponents splits a normalized monorepo path into its components,
// "/" splitting to an empty slice.
func PathComponents(p string) []string {
	if p == RootPath || p == "" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// JoinPath joins a parent monorepo path and a child component.
func JoinPath(parent, child string) string {
	if parent == RootPath {
		return "/" + child
	}
	return parent + "/" + child
}

// ParentPath returns the parent of a normalized monorepo path, and the last
// component (the "leaf" name used to look the path up in its parent tree).
// ParentPath("/") is undefined and should never be called by callers that
// already checked for the root.
func ParentPath(p string) (parent, leaf string) {
	parts := PathComponents(p)
	if len(parts) == 0 {
		return "", ""
	}
	leaf = parts[len(parts)-1]
	if len(parts) == 1 {
		return RootPath, leaf
	}
	return "/" + strings.Join(parts[:len(parts)-1], "/"), leaf
}
