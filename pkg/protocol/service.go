// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the transport-agnostic half of the Protocol
// Surface component (C9): ref advertisement, upload-pack, and receive-pack,
// as plain Go calls that both `pkg/protocol/httpd` and `pkg/protocol/sshd`
// adapt to their wire framing. Grounded on the teacher's own separation
// between `pkg/serve/protocol` (wire semantics) and `pkg/serve/repo`
// (the actual git operations `pkg/serve/httpserver`/`pkg/serve/sshserver`
// delegate to) — this package plays the role of `pkg/serve/repo` for the
// monorepo engine, generalized from a per-repository worktree to this
// spec's single cascading root (§4.9).
package protocol

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/modules/pack"
	"github.com/monocorp/monoforge/pkg/clengine"
	"github.com/monocorp/monoforge/pkg/pathresolver"
	"github.com/monocorp/monoforge/pkg/rootengine"
	"github.com/monocorp/monoforge/pkg/storage"
)

// Service wires Object Storage, the Ref & Root Engine, the CL Engine, and a
// Pack Decoder into the three operations §4.9 exposes.
type Service struct {
	DB          storage.DB
	Root        *rootengine.Engine
	CL          *clengine.Engine
	Decoder     *pack.Decoder
	RootRefPath string // usually plumbing.RootPath ("/")
}

func New(db storage.DB, root *rootengine.Engine, cl *clengine.Engine, decoder *pack.Decoder, rootRefPath string) *Service {
	return &Service{DB: db, Root: root, CL: cl, Decoder: decoder, RootRefPath: rootRefPath}
}

// RefInfo is one advertised (ref_name, commit_id, is_default) tuple (§4.9).
type RefInfo struct {
	Name      string
	CommitID  plumbing.Hash
	IsDefault bool
}

// AdvertiseRefs implements §4.9's ls-refs/info-refs contract: the root path
// returns the monorepo's single default branch; a subpath with no ref of
// its own gets one synthesized by cloning the root commit with that
// subpath's tree id and persisting it; a subpath with an existing ref
// returns it verbatim.
func (s *Service) AdvertiseRefs(ctx context.Context, subpath string) (*RefInfo, error) {
	norm, err := plumbing.NormalizePath(subpath)
	if err != nil {
		return nil, err
	}
	if norm == plumbing.RootPath {
		ref, err := s.DB.GetRef(ctx, s.RootRefPath)
		if err != nil {
			return nil, fmt.Errorf("mono: advertise refs: %w", err)
		}
		return &RefInfo{Name: s.RootRefPath, CommitID: ref.CommitHash, IsDefault: true}, nil
	}

	if ref, err := s.DB.GetRef(ctx, norm); err == nil {
		return &RefInfo{Name: norm, CommitID: ref.CommitHash, IsDefault: false}, nil
	} else if !storage.IsErrRefNotFound(err) {
		return nil, fmt.Errorf("mono: advertise refs: %w", err)
	}

	commit, err := s.synthesizeSubpathRef(ctx, norm)
	if err != nil {
		return nil, err
	}
	return &RefInfo{Name: norm, CommitID: commit, IsDefault: false}, nil
}

// synthesizeSubpathRef clones the root commit with norm's subtree as its
// tree, persists the clone, and creates norm's dedicated ref pointing at it
// (§4.9: "synthesize one by cloning the root commit with that subpath's
// tree id").
func (s *Service) synthesizeSubpathRef(ctx context.Context, norm string) (plumbing.Hash, error) {
	rootRef, err := s.DB.GetRef(ctx, s.RootRefPath)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("mono: synthesize subpath ref: %w", err)
	}
	entry, err := pathresolver.Resolve(ctx, s.DB, rootRef.TreeHash, norm)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("mono: synthesize subpath ref: %w", err)
	}
	if entry == nil {
		return plumbing.ZeroHash, plumbing.ErrPathNotFound
	}

	rootCommitType, rootCommitPayload, err := s.DB.GetObject(ctx, rootRef.CommitHash)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("mono: synthesize subpath ref: %w", err)
	}
	if rootCommitType != object.CommitType {
		return plumbing.ZeroHash, fmt.Errorf("mono: synthesize subpath ref: %s is not a commit", rootRef.CommitHash)
	}
	var rootCommit object.Commit
	if err := rootCommit.Decode(bytes.NewReader(rootCommitPayload)); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("mono: synthesize subpath ref: decode root commit: %w", err)
	}

	clone := &object.Commit{
		Tree:      entry.Hash,
		Parents:   nil,
		Author:    rootCommit.Author,
		Committer: rootCommit.Committer,
		Message:   fmt.Sprintf("synthesized ref for %s from %s", norm, rootRef.CommitHash),
	}
	var buf bytes.Buffer
	if err := clone.Encode(&buf); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("mono: synthesize subpath ref: encode: %w", err)
	}
	clone.Hash = object.HashPayload(object.CommitType, buf.Bytes())
	if err := s.DB.PutObject(ctx, clone.Hash, object.CommitType, buf.Bytes()); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("mono: synthesize subpath ref: %w", err)
	}
	if _, err := s.DB.CASUpdateRef(ctx, norm, plumbing.ZeroHash, clone.Hash, entry.Hash); err != nil && !storage.IsErrRefConflict(err) {
		return plumbing.ZeroHash, fmt.Errorf("mono: synthesize subpath ref: %w", err)
	}
	return clone.Hash, nil
}

// UploadPack implements §4.9's upload-pack: builds and streams a pack
// covering every object reachable from wants but not from haves (§4.3), via
// the Pack Encoder. wants are used as the client sent them; no subpath tip
// is resolved here.
func (s *Service) UploadPack(ctx context.Context, w io.Writer, wants, haves []plumbing.Hash) error {
	enc := pack.NewEncoder(w)
	return pack.BuildPack(ctx, enc, s.DB, wants, haves)
}

// RefUpdateCommand is one receive-pack ref-update line: advance oldID to
// newID at refName.
type RefUpdateCommand struct {
	RefName string
	OldID   plumbing.Hash
	NewID   plumbing.Hash
}

// ReceivePackRequest bundles one push's pack bytes and ref-update commands.
type ReceivePackRequest struct {
	Pack    io.Reader
	Updates []RefUpdateCommand
	Pusher  string
}

// RefUpdateResult reports the outcome of one ref-update command.
type RefUpdateResult struct {
	RefName string
	OK      bool
	Message string
}

// ReceivePackResult is the outcome of a full receive-pack call.
type ReceivePackResult struct {
	Results []RefUpdateResult
}

// ReceivePack implements §4.9's receive-pack: ingest the pack (§4.2), then
// for each ref-update command verify old_id against the current subpath
// ref, and feed the CL Engine with (from_hash=old_id, to_hash=new_id) —
// opening a CL if none exists yet for that path, or updating the existing
// one per §4.7's update_cl_on_push.
func (s *Service) ReceivePack(ctx context.Context, req ReceivePackRequest) (*ReceivePackResult, error) {
	decoded, err := s.Decoder.Decode(ctx, req.Pack)
	if err != nil {
		return nil, fmt.Errorf("mono: receive-pack: decode: %w", err)
	}
	objs := make([]storage.PendingObject, 0, len(decoded.Objects))
	for _, o := range decoded.Objects {
		objs = append(objs, storage.PendingObject{Hash: o.Hash, Type: o.Type, Payload: o.Payload})
	}
	if err := s.DB.BatchPutObjects(ctx, objs); err != nil {
		return nil, fmt.Errorf("mono: receive-pack: persist objects: %w", err)
	}

	result := &ReceivePackResult{}
	for _, cmd := range req.Updates {
		if err := s.applyRefUpdate(ctx, cmd, req.Pusher); err != nil {
			result.Results = append(result.Results, RefUpdateResult{RefName: cmd.RefName, OK: false, Message: err.Error()})
			continue
		}
		result.Results = append(result.Results, RefUpdateResult{RefName: cmd.RefName, OK: true})
	}
	return result, nil
}

func (s *Service) applyRefUpdate(ctx context.Context, cmd RefUpdateCommand, pusher string) error {
	current, err := s.DB.GetRef(ctx, cmd.RefName)
	currentCommit := plumbing.ZeroHash
	if err == nil {
		currentCommit = current.CommitHash
	} else if !storage.IsErrRefNotFound(err) {
		return fmt.Errorf("resolve current ref: %w", err)
	}
	if currentCommit != cmd.OldID {
		return fmt.Errorf("old_id %s does not match current ref %s", cmd.OldID, currentCommit)
	}

	existing, err := s.DB.GetOpenOrDraftCLForPath(ctx, cmd.RefName)
	if err != nil && !storage.IsErrObjectNotFound(err) {
		return fmt.Errorf("look up cl for %s: %w", cmd.RefName, err)
	}
	if existing == nil {
		_, err := s.CL.OpenCL(ctx, cmd.RefName, cmd.OldID.String(), cmd.NewID.String(),
			fmt.Sprintf("push to %s at %s", cmd.RefName, time.Now().UTC().Format(time.RFC3339)), pusher)
		return err
	}
	_, err = s.CL.UpdateOnPush(ctx, existing.Link, cmd.OldID, cmd.NewID, pusher)
	return err
}

// Operation scopes a bearer token to a read-only or read-write session,
// mirroring the teacher's own protocol.Operation (Download/Upload) but
// without that file's Z1-specific PSEUDO/SUDO variants, which have no
// equivalent in this spec's model.
type Operation string

const (
	Download Operation = "download"
	Upload   Operation = "upload"
)
