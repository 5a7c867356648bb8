// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// mono-serve starts the monorepo server's Smart-HTTP or SSH transport
// (§4.9, §6): one binary whose sub-command picks the single transport that
// invocation runs, so no one process owns both listeners.
// No CLI-parsing library is wired here: the teacher's own `pkg/kong` is an
// internal wrapper, not a third-party dependency this module could adopt,
// and nothing else in the example pack's go.mod addresses flag parsing, so
// this falls back to the standard library's flag package per sub-command.
func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "httpd":
		err = runHTTPD(os.Args[2:])
	case "sshd":
		err = runSSHD(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		logrus.Errorf("mono-serve: %v", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: mono-serve <httpd|sshd> -config <path>\n")
}
