// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package clengine implements the CL Engine component (C7): the Change
// List lifecycle (Draft/Open/Closed/Merged), per-path exclusivity, push
// force-update/conflict detection, and the append-only Conversation audit
// log. No teacher file models anything resembling a review/CL state
// machine — the teacher is a plain Git server — so this is grounded on the
// spec's own transition table (§4.7) directly, written in the same
// explicit-error-typed style `modules/plumbing/error.go` and
// `pkg/storage/error.go` already establish, rather than borrowing an
// unrelated teacher abstraction that would not fit.
package clengine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/pkg/rootengine"
	"github.com/monocorp/monoforge/pkg/storage"
)

// ErrCLExists is returned by OpenCL/OpenCLDraft when a Draft/Open CL
// already exists for the target path (§3.2 invariant 5).
type ErrCLExists struct{ Path string }

func (e *ErrCLExists) Error() string { return fmt.Sprintf("mono: cl already open for %s", e.Path) }

// ErrCLNotOpen is returned when an operation requires Open status but the
// CL is in another state.
type ErrCLNotOpen struct {
	Link   string
	Status storage.CLStatus
}

func (e *ErrCLNotOpen) Error() string {
	return fmt.Sprintf("mono: cl %s is %s, not Open", e.Link, e.Status)
}

// ErrCLUnsupportedShape is returned when a CL's tip commit has more than
// one parent — see DESIGN.md's Open Question decision: the cascade model
// assumes one linear chain from root to tip per CL.
type ErrCLUnsupportedShape struct{ Link string }

func (e *ErrCLUnsupportedShape) Error() string {
	return fmt.Sprintf("mono: cl %s: tip commit has more than one parent", e.Link)
}

// Engine owns CL lifecycle transitions against a backing storage.DB.
type Engine struct {
	db   storage.DB
	root *rootengine.Engine
}

func New(db storage.DB, root *rootengine.Engine) *Engine {
	return &Engine{db: db, root: root}
}

// newLink generates an 8-character opaque CL identifier (§3.1).
func newLink() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("mono: generate cl link: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// OpenCL implements §4.7's open_cl: fails ErrCLExists if a Draft/Open CL
// already exists for path, otherwise creates one with Open status.
func (e *Engine) OpenCL(ctx context.Context, path, fromHash, toHash, title, author string) (*storage.CL, error) {
	if existing, err := e.db.GetOpenOrDraftCLForPath(ctx, path); err == nil && existing != nil {
		return nil, &ErrCLExists{Path: path}
	} else if err != nil && !isNotFound(err) {
		return nil, err
	}
	link, err := newLink()
	if err != nil {
		return nil, err
	}
	toCommit := plumbing.NewHash(toHash)
	if err := e.requireLinearShape(ctx, link, toCommit); err != nil {
		return nil, err
	}
	cl := &storage.CL{
		Link: link, Path: path, Title: title, Status: storage.CLOpen,
		FromHash: plumbing.NewHash(fromHash), ToHash: toCommit, Author: author,
	}
	if err := e.db.InsertCL(ctx, cl); err != nil {
		return nil, fmt.Errorf("mono: open_cl: %w", err)
	}
	if err := e.db.InsertConversation(ctx, &storage.Conversation{CLLink: link, Actor: author, Kind: "open", Body: title}); err != nil {
		return nil, fmt.Errorf("mono: open_cl: %w", err)
	}
	return cl, nil
}

// OpenCLDraft implements §4.7's open_cl_draft: to_hash is assigned later by
// the first push via UpdateOnPush.
func (e *Engine) OpenCLDraft(ctx context.Context, path, fromHash, title, author string) (*storage.CL, error) {
	if existing, err := e.db.GetOpenOrDraftCLForPath(ctx, path); err == nil && existing != nil {
		return nil, &ErrCLExists{Path: path}
	} else if err != nil && !isNotFound(err) {
		return nil, err
	}
	link, err := newLink()
	if err != nil {
		return nil, err
	}
	cl := &storage.CL{
		Link: link, Path: path, Title: title, Status: storage.CLDraft,
		FromHash: plumbing.NewHash(fromHash), Author: author,
	}
	if err := e.db.InsertCL(ctx, cl); err != nil {
		return nil, fmt.Errorf("mono: open_cl_draft: %w", err)
	}
	if err := e.db.InsertConversation(ctx, &storage.Conversation{CLLink: link, Actor: author, Kind: "open_draft", Body: title}); err != nil {
		return nil, fmt.Errorf("mono: open_cl_draft: %w", err)
	}
	return cl, nil
}

// UpdateOnPush implements §4.7's update_cl_on_push: no-op, force-update, or
// auto-close-as-conflict depending on whether incoming_from/incoming_to
// match the CL's current from_hash/to_hash.
func (e *Engine) UpdateOnPush(ctx context.Context, link string, incomingFrom, incomingTo plumbing.Hash, pusher string) (*storage.CL, error) {
	cl, err := e.db.GetCL(ctx, link)
	if err != nil {
		return nil, err
	}
	switch {
	case incomingFrom == cl.FromHash && incomingTo == cl.ToHash:
		return cl, nil
	case incomingFrom == cl.FromHash && incomingTo != cl.ToHash:
		if err := e.requireLinearShape(ctx, link, incomingTo); err != nil {
			return nil, err
		}
		if cl.Status == storage.CLDraft {
			if err := e.db.UpdateCLStatus(ctx, link, storage.CLOpen, &incomingTo); err != nil {
				return nil, fmt.Errorf("mono: update_cl_on_push: %w", err)
			}
		} else {
			if err := e.db.UpdateCLStatus(ctx, link, cl.Status, &incomingTo); err != nil {
				return nil, fmt.Errorf("mono: update_cl_on_push: %w", err)
			}
		}
		if err := e.db.InsertConversation(ctx, &storage.Conversation{CLLink: link, Actor: pusher, Kind: "force-update",
			Body: fmt.Sprintf("updated to %s", incomingTo)}); err != nil {
			return nil, fmt.Errorf("mono: update_cl_on_push: %w", err)
		}
	default:
		if err := e.db.UpdateCLStatus(ctx, link, storage.CLClosed, nil); err != nil {
			return nil, fmt.Errorf("mono: update_cl_on_push: %w", err)
		}
		if err := e.db.InsertConversation(ctx, &storage.Conversation{CLLink: link, Actor: pusher, Kind: "conflict",
			Body: fmt.Sprintf("push from %s does not match cl base %s; cl auto-closed", incomingFrom, cl.FromHash)}); err != nil {
			return nil, fmt.Errorf("mono: update_cl_on_push: %w", err)
		}
	}
	return e.db.GetCL(ctx, link)
}

// Close transitions Open -> Closed.
func (e *Engine) Close(ctx context.Context, link, actor, reason string) error {
	cl, err := e.db.GetCL(ctx, link)
	if err != nil {
		return err
	}
	if cl.Status != storage.CLOpen {
		return &ErrCLNotOpen{Link: link, Status: cl.Status}
	}
	if err := e.db.UpdateCLStatus(ctx, link, storage.CLClosed, nil); err != nil {
		return fmt.Errorf("mono: close cl: %w", err)
	}
	return e.db.InsertConversation(ctx, &storage.Conversation{CLLink: link, Actor: actor, Kind: "close", Body: reason})
}

// Reopen transitions Closed -> Open.
func (e *Engine) Reopen(ctx context.Context, link, actor string) error {
	cl, err := e.db.GetCL(ctx, link)
	if err != nil {
		return err
	}
	if cl.Status != storage.CLClosed {
		return fmt.Errorf("mono: cl %s is %s, not Closed", link, cl.Status)
	}
	if existing, err := e.db.GetOpenOrDraftCLForPath(ctx, cl.Path); err == nil && existing != nil && existing.Link != link {
		return &ErrCLExists{Path: cl.Path}
	} else if err != nil && !isNotFound(err) {
		return err
	}
	if err := e.db.UpdateCLStatus(ctx, link, storage.CLOpen, nil); err != nil {
		return fmt.Errorf("mono: reopen cl: %w", err)
	}
	return e.db.InsertConversation(ctx, &storage.Conversation{CLLink: link, Actor: actor, Kind: "reopen"})
}

// Merge implements §4.7's merge contract: preconditions are status Open AND
// cl.from_hash == the current subpath ref's commit; on success, delegates
// to the Ref & Root Engine and marks the CL Merged. Only the Merge Queue
// calls this (§4.8 step 3).
func (e *Engine) Merge(ctx context.Context, link string, rootRefPath string, expectedRoot plumbing.Hash, newSubtreeHash plumbing.Hash, subCommit *object.Commit) (*rootengine.CascadeResult, error) {
	cl, err := e.db.GetCL(ctx, link)
	if err != nil {
		return nil, err
	}
	if cl.Status != storage.CLOpen {
		return nil, &ErrCLNotOpen{Link: link, Status: cl.Status}
	}
	subRef, err := e.db.GetRef(ctx, cl.Path)
	if err != nil && !storage.IsErrRefNotFound(err) {
		return nil, err
	}
	currentSubCommit := plumbing.ZeroHash
	if subRef != nil {
		currentSubCommit = subRef.CommitHash
	}
	if cl.FromHash != currentSubCommit {
		return nil, plumbing.ErrRefConflict
	}

	// A CL opened directly against the root path has no separate dedicated
	// ref to clean up after the cascade — the root ref itself is the thing
	// being advanced, not a subpath ref folded into it.
	subPathRef := cl.Path
	if cl.Path == rootRefPath {
		subPathRef = ""
	}
	result, err := e.root.Cascade(ctx, rootengine.CascadeInput{
		RootRefPath:    rootRefPath,
		SubPath:        cl.Path,
		NewSubtreeHash: newSubtreeHash,
		SubCommit:      subCommit,
		ExpectedRoot:   expectedRoot,
		SubPathRef:     subPathRef,
	})
	if err != nil {
		return nil, err
	}
	if err := e.db.UpdateCLStatus(ctx, link, storage.CLMerged, nil); err != nil {
		return nil, fmt.Errorf("mono: merge cl: %w", err)
	}
	if err := e.db.InsertConversation(ctx, &storage.Conversation{CLLink: link, Kind: "merge",
		Body: fmt.Sprintf("merged as root commit %s", result.NewRootCommit)}); err != nil {
		return nil, fmt.Errorf("mono: merge cl: %w", err)
	}
	return result, nil
}

// AddLabel implements §C.1's add_label: attaches a label to a CL and
// records it in the Conversation audit log, mirroring how OpenCL/Close
// pair every state change with a Conversation entry.
func (e *Engine) AddLabel(ctx context.Context, link, name, color, actor string) error {
	if _, err := e.db.GetCL(ctx, link); err != nil {
		return err
	}
	if err := e.db.AddLabel(ctx, &storage.Label{CLLink: link, Name: name, Color: color}); err != nil {
		return fmt.Errorf("mono: add_label: %w", err)
	}
	return e.db.InsertConversation(ctx, &storage.Conversation{CLLink: link, Actor: actor, Kind: "add-label", Body: name})
}

// RemoveLabel implements §C.1's remove_label.
func (e *Engine) RemoveLabel(ctx context.Context, link, name, actor string) error {
	if _, err := e.db.GetCL(ctx, link); err != nil {
		return err
	}
	if err := e.db.RemoveLabel(ctx, link, name); err != nil {
		return fmt.Errorf("mono: remove_label: %w", err)
	}
	return e.db.InsertConversation(ctx, &storage.Conversation{CLLink: link, Actor: actor, Kind: "remove-label", Body: name})
}

// ListLabels returns every label attached to a CL.
func (e *Engine) ListLabels(ctx context.Context, link string) ([]*storage.Label, error) {
	return e.db.ListLabels(ctx, link)
}

// Assign implements §C.1's assign: adds a user to a CL's assignee set.
func (e *Engine) Assign(ctx context.Context, link, user, actor string) error {
	if _, err := e.db.GetCL(ctx, link); err != nil {
		return err
	}
	if err := e.db.AddAssignee(ctx, link, user); err != nil {
		return fmt.Errorf("mono: assign: %w", err)
	}
	return e.db.InsertConversation(ctx, &storage.Conversation{CLLink: link, Actor: actor, Kind: "assign", Body: user})
}

// Unassign implements §C.1's unassign.
func (e *Engine) Unassign(ctx context.Context, link, user, actor string) error {
	if _, err := e.db.GetCL(ctx, link); err != nil {
		return err
	}
	if err := e.db.RemoveAssignee(ctx, link, user); err != nil {
		return fmt.Errorf("mono: unassign: %w", err)
	}
	return e.db.InsertConversation(ctx, &storage.Conversation{CLLink: link, Actor: actor, Kind: "unassign", Body: user})
}

// ListAssignees returns every user currently assigned to a CL.
func (e *Engine) ListAssignees(ctx context.Context, link string) ([]string, error) {
	return e.db.ListAssignees(ctx, link)
}

// ListConversations implements §C.1's list_conversations: the append-only
// audit log every lifecycle transition and metadata change above records
// to, read back in insertion order.
func (e *Engine) ListConversations(ctx context.Context, link string) ([]*storage.Conversation, error) {
	return e.db.ListConversations(ctx, link)
}

func isNotFound(err error) bool {
	return storage.IsErrRefNotFound(err) || storage.IsErrObjectNotFound(err)
}

// requireLinearShape rejects a CL whose tip commit has more than one
// parent (see DESIGN.md's Open Question decision 2): the cascade model in
// §4.5/§4.7 assumes a single linear chain from root to tip, so a merge
// commit at the tip would make "the subpath touched by this CL" ambiguous.
func (e *Engine) requireLinearShape(ctx context.Context, link string, tip plumbing.Hash) error {
	if tip == plumbing.ZeroHash {
		return nil
	}
	typ, payload, err := e.db.GetObject(ctx, tip)
	if err != nil {
		return fmt.Errorf("mono: check cl shape: %w", err)
	}
	if typ != object.CommitType {
		return fmt.Errorf("mono: check cl shape: %s is not a commit", tip)
	}
	var commit object.Commit
	if err := commit.Decode(bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("mono: check cl shape: decode commit %s: %w", tip, err)
	}
	if len(commit.Parents) > 1 {
		return &ErrCLUnsupportedShape{Link: link}
	}
	return nil
}
