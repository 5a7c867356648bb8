// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package sshd

import (
	"bufio"
	"io"
	"strings"

	"github.com/gliderlabs/ssh"

	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/modules/plumbing/format/pktline"
	"github.com/monocorp/monoforge/pkg/protocol"
)

// uploadPack mirrors httpd.InfoRefs+httpd.UploadPack collapsed into one
// exchange: over SSH there is no separate info/refs request, so the ref
// advertisement is written as soon as the channel opens, immediately
// followed by the pack negotiation on the same stream (the actual
// difference §6 calls out between the two transports — framing itself is
// identical).
func (s *Server) uploadPack(sess ssh.Session, path string) error {
	ref, err := s.svc.AdvertiseRefs(sess.Context(), path)
	if err != nil {
		return err
	}
	if err := pktline.Encodef(sess, "%s %s\x00 multi_ack_detailed side-band-64k\n", ref.CommitID, ref.Name); err != nil {
		return err
	}
	if err := pktline.WriteFlush(sess); err != nil {
		return err
	}

	wants, haves, err := parseWantHave(sess)
	if err != nil {
		return err
	}
	if err := pktline.Encode(sess, []byte("NAK\n")); err != nil {
		return err
	}
	return s.svc.UploadPack(sess.Context(), sess, wants, haves)
}

// receivePack mirrors httpd.ReceivePack: ref advertisement first (git's
// receive-pack also opens with one, even though the client usually already
// knows what it's pushing against), then ref-update commands and the pack.
func (s *Server) receivePack(sess ssh.Session, path, actor string) error {
	ref, err := s.svc.AdvertiseRefs(sess.Context(), path)
	if err != nil {
		return err
	}
	if err := pktline.Encodef(sess, "%s %s\x00 report-status\n", ref.CommitID, ref.Name); err != nil {
		return err
	}
	if err := pktline.WriteFlush(sess); err != nil {
		return err
	}

	cmds, body, err := parseRefUpdateCommands(sess)
	if err != nil {
		return err
	}
	result, err := s.svc.ReceivePack(sess.Context(), protocol.ReceivePackRequest{
		Pack:    body,
		Updates: cmds,
		Pusher:  actor,
	})
	if err != nil {
		return err
	}
	if err := pktline.Encode(sess, []byte("unpack ok\n")); err != nil {
		return err
	}
	for _, res := range result.Results {
		if res.OK {
			if err := pktline.Encodef(sess, "ok %s\n", res.RefName); err != nil {
				return err
			}
			continue
		}
		if err := pktline.Encodef(sess, "ng %s %s\n", res.RefName, res.Message); err != nil {
			return err
		}
	}
	return pktline.WriteFlush(sess)
}

func parseWantHave(r io.Reader) (wants, haves []plumbing.Hash, err error) {
	sc := pktline.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(string(sc.Bytes()))
		switch {
		case strings.HasPrefix(line, "want "):
			h, e := plumbing.NewHashEx(strings.Fields(line)[1])
			if e != nil {
				return nil, nil, e
			}
			wants = append(wants, h)
		case strings.HasPrefix(line, "have "):
			h, e := plumbing.NewHashEx(strings.Fields(line)[1])
			if e != nil {
				return nil, nil, e
			}
			haves = append(haves, h)
		case line == "done":
		}
	}
	return wants, haves, sc.Err()
}

// parseRefUpdateCommands is parseWantHave's sibling for receive-pack: same
// over-read caveat as httpd.parseRefUpdateCommands applies here, so the
// caller's own *bufio.Reader — not the raw ssh.Session — is what's handed
// back as the pack continuation.
func parseRefUpdateCommands(r io.Reader) ([]protocol.RefUpdateCommand, *bufio.Reader, error) {
	br := bufio.NewReaderSize(r, pktline.MaxPayloadSize+4)
	sc := pktline.NewScanner(br)
	var cmds []protocol.RefUpdateCommand
	for sc.Scan() {
		fields := strings.Fields(strings.TrimSpace(string(sc.Bytes())))
		if len(fields) < 3 {
			continue
		}
		oldID, err := plumbing.NewHashEx(fields[0])
		if err != nil {
			return nil, nil, err
		}
		newID, err := plumbing.NewHashEx(fields[1])
		if err != nil {
			return nil, nil, err
		}
		cmds = append(cmds, protocol.RefUpdateCommand{RefName: fields[2], OldID: oldID, NewID: newID})
	}
	if sc.Err() != nil {
		return nil, nil, sc.Err()
	}
	return cmds, br, nil
}
