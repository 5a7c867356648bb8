// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/sirupsen/logrus"

func logQueueTickError(err error) {
	logrus.Errorf("mono-serve: merge queue tick: %v", err)
}

func logReconciledEntries(n int64) {
	logrus.Warnf("mono-serve: reconciled %d merge queue entries stuck from a prior crash", n)
}
