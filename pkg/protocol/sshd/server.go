// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package sshd implements the SSH half of the Protocol Surface component
// (C9): the same `git-upload-pack`/`git-receive-pack` commands as
// `pkg/protocol/httpd`, invoked over an SSH exec channel instead of HTTP,
// with identical pkt-line payload framing (§6). Grounded on
// `pkg/serve/sshserver/server.go`'s `ssh.Server` setup and
// `pkg/serve/sshserver/session.go`'s session wrapper, generalized from
// that package's custom JSON sub-command protocol (ls-remote/metadata/
// objects/push) to this spec's plain git wire commands.
package sshd

import (
	"context"
	"fmt"
	"strings"

	"github.com/gliderlabs/ssh"
	"github.com/sirupsen/logrus"
	gossh "golang.org/x/crypto/ssh"

	"github.com/monocorp/monoforge/pkg/config"
	"github.com/monocorp/monoforge/pkg/protocol"
)

// Server is the SSH transport for one protocol.Service.
type Server struct {
	cfg *config.SSHConfig
	svc *protocol.Service
	srv *ssh.Server
}

func NewServer(cfg *config.SSHConfig, svc *protocol.Service) *Server {
	s := &Server{cfg: cfg, svc: svc}
	srv := &ssh.Server{
		Addr:             cfg.Listen,
		IdleTimeout:      cfg.IdleTimeout.Duration,
		Version:          cfg.BannerVersion,
		PublicKeyHandler: s.onPublicKey,
		Handler:          s.onSession,
	}
	for _, pk := range cfg.HostPrivateKeys {
		addHostKey(srv, []byte(pk))
	}
	s.srv = srv
	return s
}

func addHostKey(srv *ssh.Server, pemBytes []byte) {
	key, err := gossh.ParsePrivateKey(pemBytes)
	if err != nil {
		logrus.Errorf("sshd: parse host key: %v", err)
		return
	}
	srv.AddHostKey(key)
	logrus.Infof("sshd: loaded host key <%s> fingerprint: %s", key.PublicKey().Type(), gossh.FingerprintSHA256(key.PublicKey()))
}

func (s *Server) ListenAndServe() error {
	logrus.Infof("mono sshd listen: %s", s.cfg.Listen)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// onPublicKey accepts any offered key. This spec has no key/identity
// directory component of its own (unlike the teacher's database-backed
// deploy-key lookup) — the connecting key's fingerprint becomes the
// pusher's actor name, mirroring git's anonymous-but-key-identified model.
func (s *Server) onPublicKey(ctx ssh.Context, key ssh.PublicKey) bool {
	ctx.SetValue(fingerprintKey, gossh.FingerprintSHA256(key))
	return true
}

const fingerprintKey = "mono-fingerprint"

func (s *Server) onSession(sess ssh.Session) {
	args := sess.Command()
	if len(args) != 2 {
		fmt.Fprintf(sess.Stderr(), "usage: git-upload-pack|git-receive-pack '<path>'\n")
		_ = sess.Exit(1)
		return
	}
	actor, _ := sess.Context().Value(fingerprintKey).(string)
	if actor == "" {
		actor = "anonymous"
	}
	path := strings.Trim(args[1], "'\"")
	logrus.Infof("sshd: %s %s actor=%s", args[0], path, actor)

	var err error
	switch args[0] {
	case "git-upload-pack":
		err = s.uploadPack(sess, path)
	case "git-receive-pack":
		err = s.receivePack(sess, path, actor)
	default:
		fmt.Fprintf(sess.Stderr(), "unsupported command '%s'\n", args[0])
		_ = sess.Exit(1)
		return
	}
	if err != nil {
		fmt.Fprintf(sess.Stderr(), "fatal: %v\n", err)
		_ = sess.Exit(1)
		return
	}
	_ = sess.Exit(0)
}
