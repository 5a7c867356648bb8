// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpd

import (
	"bufio"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/modules/plumbing/format/pktline"
	"github.com/monocorp/monoforge/pkg/protocol"
)

// InfoRefs serves `GET /<path>/info/refs?service=git-upload-pack|git-receive-pack`
// (§6): a pkt-line ref advertisement for the requested subpath, prefixed by
// the service announcement pkt-line the smart-HTTP protocol requires.
func (s *Server) InfoRefs(w http.ResponseWriter, r *http.Request, claims *Claims) {
	service := r.URL.Query().Get("service")
	if service != serviceUploadPack && service != serviceReceivePack {
		renderError(w, http.StatusBadRequest, errUnsupportedService(service))
		return
	}
	ref, err := s.svc.AdvertiseRefs(r.Context(), subpath(r))
	if err != nil {
		renderError(w, http.StatusNotFound, err)
		return
	}

	if service == serviceUploadPack {
		w.Header().Set("Content-Type", mimeUploadPackAdv)
	} else {
		w.Header().Set("Content-Type", mimeReceivePackAdv)
	}
	w.WriteHeader(http.StatusOK)
	_ = pktline.Encodef(w, "# service=%s\n", service)
	_ = pktline.WriteFlush(w)
	_ = pktline.Encodef(w, "%s %s\x00 multi_ack_detailed side-band-64k\n", ref.CommitID, ref.Name)
	_ = pktline.WriteFlush(w)
}

// UploadPack serves `POST /<path>/git-upload-pack`: parses the client's
// want/have lines, builds the pack from them via
// `protocol.Service.UploadPack` (the request's path does not scope the
// pack), and streams it back. The multi-ack
// negotiation detail (§4.9) is reduced to a single NAK-then-pack response —
// every want/have the client sent is honored in one round trip — since
// nothing in this spec's invariants depends on the multi-round variant;
// correctness comes entirely from `modules/pack.BuildPack`'s have-exclusion
// walk.
func (s *Server) UploadPack(w http.ResponseWriter, r *http.Request, claims *Claims) {
	wants, haves, err := parseWantHave(r.Body)
	if err != nil {
		renderError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", mimeUploadPackRes)
	w.WriteHeader(http.StatusOK)
	_ = pktline.Encode(w, []byte("NAK\n"))
	if err := s.svc.UploadPack(r.Context(), w, wants, haves); err != nil {
		logrusUploadPackError(r, err)
	}
}

// ReceivePack serves `POST /<path>/git-receive-pack`: parses the
// ref-update commands, ingests the trailing pack, and reports a
// report-status line per command.
func (s *Server) ReceivePack(w http.ResponseWriter, r *http.Request, claims *Claims) {
	cmds, packStart, err := parseRefUpdateCommands(r.Body)
	if err != nil {
		renderError(w, http.StatusBadRequest, err)
		return
	}
	pusher := "anonymous"
	if claims != nil {
		pusher = claims.Actor
	}
	result, err := s.svc.ReceivePack(r.Context(), protocol.ReceivePackRequest{
		Pack:    packStart,
		Updates: cmds,
		Pusher:  pusher,
	})
	if err != nil {
		renderError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", mimeReceivePackRes)
	w.WriteHeader(http.StatusOK)
	_ = pktline.Encode(w, []byte("unpack ok\n"))
	for _, res := range result.Results {
		if res.OK {
			_ = pktline.Encodef(w, "ok %s\n", res.RefName)
			continue
		}
		_ = pktline.Encodef(w, "ng %s %s\n", res.RefName, res.Message)
	}
	_ = pktline.WriteFlush(w)
}

func errUnsupportedService(service string) error {
	return &unsupportedServiceError{service: service}
}

type unsupportedServiceError struct{ service string }

func (e *unsupportedServiceError) Error() string {
	return "unsupported service: " + e.service
}

func logrusUploadPackError(r *http.Request, err error) {
	logrus.Errorf("[%s] upload-pack %s: %v", r.RemoteAddr, r.RequestURI, err)
}

// parseWantHave reads pkt-lines until the flush packet, splitting them into
// "want <oid>" and "have <oid>" lines per the Git smart-HTTP protocol.
func parseWantHave(body io.Reader) (wants, haves []plumbing.Hash, err error) {
	sc := pktline.NewScanner(body)
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

// parseRefUpdateCommands reads pkt-lines of the form
// "<old-id> <new-id> <ref-name>" until the flush packet, returning the
// commands and the remaining reader positioned at the start of the pack
// stream that follows. body is wrapped in a *bufio.Reader up front and
// that same reader is what's returned — pktline.NewScanner would
// otherwise wrap a plain io.Reader in its own buffer and silently strand
// any pack bytes it over-reads past the flush packet.
func parseRefUpdateCommands(body io.Reader) ([]protocol.RefUpdateCommand, io.Reader, error) {
	br := bufio.NewReaderSize(body, pktline.MaxPayloadSize+4)
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
