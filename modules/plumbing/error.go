package plumbing

import (
	"errors"
	"fmt"
)

var (
	//ErrStop is used to stop a ForEach function in an Iter
	ErrStop = errors.New("stop iter")

	// ErrBadPackHeader is returned when a pack stream's 12-byte header
	// (magic, version, object count) is malformed (§4.2 step 1).
	ErrBadPackHeader = errors.New("mono: bad pack header")
	// ErrBadChecksum is returned when a pack stream's trailing SHA-1 does
	// not match the running checksum of the preceding bytes (§4.2 step 5).
	ErrBadChecksum = errors.New("mono: pack trailing checksum mismatch")
	// ErrDeltaCycle is returned when resolving an OfsDelta base chain
	// detects a cycle (§4.2 step 3).
	ErrDeltaCycle = errors.New("mono: delta base cycle detected")
	// ErrDeltaOutOfBounds is returned when a delta opcode references bytes
	// outside the declared source_size (§4.1).
	ErrDeltaOutOfBounds = errors.New("mono: delta opcode out of bounds")
	// ErrUnknownObjectType is returned when a pack entry declares a type
	// outside the closed set in §4.2.
	ErrUnknownObjectType = errors.New("mono: unknown object type")
	// ErrPathNotFound is returned by the Ref & Root Engine and Path
	// Resolver when a path does not resolve to an existing tree entry.
	ErrPathNotFound = errors.New("mono: path not found")
	// ErrRefConflict is the optimistic-concurrency failure from §4.5: the
	// observed parent commit was advanced by a concurrent cascade.
	ErrRefConflict = errors.New("mono: ref advanced by a concurrent update")
)

// noSuchObject is an error type that occurs when no object with a given object
// ID is available.
type noSuchObject struct {
	oid Hash
}

// Error implements the error.Error() function.
func (e *noSuchObject) Error() string {
	return fmt.Sprintf("zeta: no such object: %s", e.oid)
}

// NoSuchObject creates a new error representing a missing object with a given
// object ID.
func NoSuchObject(oid Hash) error {
	return &noSuchObject{oid: oid}
}

// IsNoSuchObject indicates whether an error is a noSuchObject and is non-nil.
func IsNoSuchObject(e error) bool {
	if e == nil {
		return false
	}
	err, ok := e.(*noSuchObject)
	return ok && err != nil
}

func ExtractNoSuchObject(e error) (Hash, bool) {
	if e == nil {
		return ZeroHash, false
	}
	err, ok := e.(*noSuchObject)
	if !ok {
		return ZeroHash, false
	}
	return err.oid, true
}

type ErrResourceLocked struct {
	name ReferenceName
	t    string
}

func (err *ErrResourceLocked) Error() string {
	return fmt.Sprintf("%s '%s' locked", err.t, err.name)
}

func IsErrResourceLocked(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrResourceLocked)
	return ok
}

func NewErrResourceLocked(t string, name ReferenceName) error {
	return &ErrResourceLocked{t: t, name: name}
}

type ErrRevNotFound struct {
	Reason string
}

func (e *ErrRevNotFound) Error() string { return e.Reason }

func NewErrRevNotFound(format string, a ...any) error {
	return &ErrRevNotFound{Reason: fmt.Sprintf(format, a...)}
}

func IsErrRevNotFound(e error) bool {
	if e == nil {
		return false
	}
	err, ok := e.(*ErrRevNotFound)
	return ok && err != nil
}
