// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

const (
	erDupEntry = 1062
)

// ErrObjectNotFound is returned by GetObject/GetRawBlob when no row exists
// for the given content address.
type ErrObjectNotFound struct {
	Hash string
}

func (e *ErrObjectNotFound) Error() string {
	return fmt.Sprintf("mono: object not found: %s", e.Hash)
}

func IsErrObjectNotFound(err error) bool {
	var e *ErrObjectNotFound
	return errors.As(err, &e)
}

// ErrRefNotFound is returned by GetRef when no mega_refs row exists for
// the given path.
type ErrRefNotFound struct {
	Path string
}

func (e *ErrRefNotFound) Error() string {
	return fmt.Sprintf("mono: ref not found: %s", e.Path)
}

func IsErrRefNotFound(err error) bool {
	var e *ErrRefNotFound
	return errors.As(err, &e)
}

// isErrorCode reports whether err is a *mysql.MySQLError carrying code.
func isErrorCode(err error, code uint16) bool {
	var merr *mysql.MySQLError
	if errors.As(err, &merr) {
		return merr.Number == code
	}
	return false
}

func isDupEntry(err error) bool {
	return isErrorCode(err, erDupEntry)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
