// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/monocorp/monoforge/modules/plumbing"
)

// s3RawBlob stores blob bytes as individual objects under a configured key
// prefix (§6's AwsS3 backend), one object per content address.
type s3RawBlob struct {
	client *s3.Client
	bucket string
	prefix string
	db     *sql.DB
}

func NewS3RawBlob(client *s3.Client, bucket, prefix string, db *sql.DB) RawBlobBackend {
	return &s3RawBlob{client: client, bucket: bucket, prefix: prefix, db: db}
}

func (b *s3RawBlob) keyFor(oid plumbing.Hash) string {
	hex := oid.String()
	if b.prefix == "" {
		return hex
	}
	return b.prefix + "/" + hex
}

func (b *s3RawBlob) Put(ctx context.Context, oid plumbing.Hash, content []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.keyFor(oid)),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		return fmt.Errorf("mono: s3 raw blob: put %s: %w", oid, err)
	}
	return recordLocator(ctx, b.db, oid, "AwsS3")
}

func (b *s3RawBlob) Get(ctx context.Context, oid plumbing.Hash) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.keyFor(oid)),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, &ErrObjectNotFound{Hash: oid.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("mono: s3 raw blob: get %s: %w", oid, err)
	}
	defer out.Body.Close()
	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("mono: s3 raw blob: read %s: %w", oid, err)
	}
	return content, nil
}
