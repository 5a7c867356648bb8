// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import "errors"

var (
	errNoHTTPSection = errors.New("mono-serve: config has no [http] section")
	errNoSSHSection  = errors.New("mono-serve: config has no [ssh] section")
)
