// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package httpd implements the Smart-HTTP half of the Protocol Surface
// component (C9): the canonical `info/refs`, `git-upload-pack`, and
// `git-receive-pack` endpoints over `github.com/gorilla/mux`, wrapping
// `pkg/protocol.Service`. Grounded on `pkg/serve/httpserver/server.go`'s
// router-setup and request-logging shape, and `pkg/serve/httpserver/
// bearer.go`'s JWT bearer-token pattern — generalized from that file's
// per-repository `{namespace}/{repo}` routing to this spec's single
// cascading monorepo path (`{path:.*}`, §6).
package httpd

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/monocorp/monoforge/pkg/config"
	"github.com/monocorp/monoforge/pkg/mergequeue"
	"github.com/monocorp/monoforge/pkg/protocol"
)

const (
	serviceUploadPack  = "git-upload-pack"
	serviceReceivePack = "git-receive-pack"

	mimeUploadPackAdv  = "application/x-git-upload-pack-advertisement"
	mimeUploadPackRes  = "application/x-git-upload-pack-result"
	mimeReceivePackAdv = "application/x-git-receive-pack-advertisement"
	mimeReceivePackRes = "application/x-git-receive-pack-result"
)

// Server is the Smart-HTTP transport for one protocol.Service, plus the
// read-only query surface (SPEC_FULL.md §C.3) layered over the same
// engines.
type Server struct {
	cfg   *config.HTTPConfig
	svc   *protocol.Service
	queue *mergequeue.Queue
	srv   *http.Server
	r     *mux.Router
}

// NewServer wires the Smart-HTTP git transport and the read-only API
// router. queue may be nil — a deployment that never mounts a merge queue
// (e.g. a read-replica) just gets queue-position requests answered with
// zero values rather than failing to construct.
func NewServer(cfg *config.HTTPConfig, svc *protocol.Service, queue *mergequeue.Queue) *Server {
	s := &Server{cfg: cfg, svc: svc, queue: queue}
	s.srv = &http.Server{
		Addr:         cfg.Listen,
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
		IdleTimeout:  cfg.IdleTimeout.Duration,
		Handler:      s,
	}
	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/{path:.*}/info/refs", s.requireBearer(s.InfoRefs)).Methods(http.MethodGet)
	r.HandleFunc("/{path:.*}/"+serviceUploadPack, s.requireBearer(s.UploadPack)).Methods(http.MethodPost)
	r.HandleFunc("/{path:.*}/"+serviceReceivePack, s.requireBearer(s.ReceivePack)).Methods(http.MethodPost)
	r.HandleFunc("/info/refs", s.requireBearer(s.InfoRefs)).Methods(http.MethodGet)
	r.HandleFunc("/"+serviceUploadPack, s.requireBearer(s.UploadPack)).Methods(http.MethodPost)
	r.HandleFunc("/"+serviceReceivePack, s.requireBearer(s.ReceivePack)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/cls", s.requireBearer(s.ListCLs)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/cls/{link}", s.requireBearer(s.GetCL)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/cls/{link}/queue-position", s.requireBearer(s.GetQueuePosition)).Methods(http.MethodGet)
	s.r = r
	return s
}

func (s *Server) ListenAndServe() error { return s.srv.ListenAndServe() }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL != nil {
		r.URL.Path = path.Clean(r.URL.Path)
	}
	w.Header().Set("Server", s.cfg.BannerVersion)
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
	s.r.ServeHTTP(sw, r)
	logrus.Infof("[%s] %s %s status: %d spent: %v", r.RemoteAddr, r.Method, r.RequestURI, sw.statusCode, time.Since(start))
}

// statusWriter mirrors the teacher's ResponseWriter shadow, recording the
// status code so the access log can report it.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func subpath(r *http.Request) string {
	v := mux.Vars(r)["path"]
	if v == "" {
		return "/"
	}
	return "/" + v
}

func renderError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	fmt.Fprintf(w, "%v\n", err)
}
