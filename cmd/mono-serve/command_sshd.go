// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/monocorp/monoforge/pkg/config"
	"github.com/monocorp/monoforge/pkg/protocol/sshd"
)

func runSSHD(args []string) error {
	fs := flag.NewFlagSet("sshd", flag.ExitOnError)
	configFile := fs.String("config", "config/mono-serve.toml", "location of the server config file")
	expandEnv := fs.Bool("expand-env", false, "expand ${VAR}/$VAR references in the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configFile, *expandEnv)
	if err != nil {
		logrus.Errorf("mono-serve sshd: load config: %v", err)
		return err
	}
	if cfg.SSH == nil {
		logrus.Errorf("mono-serve sshd: config has no [ssh] section")
		return errNoSSHSection
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := buildStack(ctx, cfg)
	if err != nil {
		logrus.Errorf("mono-serve sshd: build engine stack: %v", err)
		return err
	}
	defer st.Close()
	go st.runQueueTicker(ctx, cfg.MergeQueue.TickPeriod.Duration)

	srv := sshd.NewServer(cfg.SSH, st.svc)
	c := newCloser()
	go c.listenSignal(ctx, srv)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.Errorf("mono-serve sshd: listen: %v", err)
		return err
	}
	<-c.ch
	logrus.Infof("mono-serve sshd exited")
	return nil
}
