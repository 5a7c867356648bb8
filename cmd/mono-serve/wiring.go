// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-sql-driver/mysql"

	"github.com/monocorp/monoforge/modules/pack"
	"github.com/monocorp/monoforge/modules/plumbing"
	"github.com/monocorp/monoforge/pkg/clengine"
	"github.com/monocorp/monoforge/pkg/config"
	"github.com/monocorp/monoforge/pkg/mergequeue"
	"github.com/monocorp/monoforge/pkg/protocol"
	"github.com/monocorp/monoforge/pkg/rootengine"
	"github.com/monocorp/monoforge/pkg/storage"
)

// stack is every engine component a transport or the merge-queue worker
// needs, wired once from one parsed config (§6), mirroring the teacher's
// per-server `NewServerConfig`+construct pattern but shared across both
// transports and the background queue instead of duplicated per command.
type stack struct {
	db      storage.DB
	decoder *pack.Decoder
	root    *rootengine.Engine
	cl      *clengine.Engine
	svc     *protocol.Service
	queue   *mergequeue.Queue
}

func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	mysqlCfg, err := mysql.ParseDSN(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("mono-serve: parse database dsn: %w", err)
	}

	// The raw-blob backend needs its own *sql.DB handle to record each
	// blob's location (§6's raw_blob table), but storage.NewDB only takes
	// a *mysql.Config and opens its own pool — so the backend gets a
	// second connector pointed at the same DSN rather than
	// threading a shared *sql.DB back out of NewDB.
	blobConnector, err := mysql.NewConnector(mysqlCfg)
	if err != nil {
		return nil, fmt.Errorf("mono-serve: new blob connector: %w", err)
	}
	blobSQLDB := sql.OpenDB(blobConnector)

	rawBlob, err := buildRawBlobBackend(ctx, blobSQLDB, &cfg.Blob)
	if err != nil {
		_ = blobSQLDB.Close()
		return nil, err
	}

	db, err := storage.NewDB(storage.Config{
		MySQL:           mysqlCfg,
		MaxIdleConns:    16,
		MaxOpenConns:    64,
		ConnMaxLifetime: time.Hour,
		RawBlob:         rawBlob,
	})
	if err != nil {
		_ = blobSQLDB.Close()
		return nil, fmt.Errorf("mono-serve: open database: %w", err)
	}

	decoder, err := pack.NewDecoder(cfg.Pack.ChannelMessageSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mono-serve: new pack decoder: %w", err)
	}

	root := rootengine.New(db)
	cl := clengine.New(db, root)
	// RootRefPath keys the root ref row (storage.Ref.Path), always
	// plumbing.RootPath ("/") regardless of cfg.Monorepo.RootRef's git
	// branch name — the two name different things: RootRefPath is the
	// monorepo path the root commit resolves, RootRef is the underlying
	// branch the teacher's refs table convention still carries in config.
	svc := protocol.New(db, root, cl, decoder, plumbing.RootPath)
	merges := mergequeue.NewStorageMergeInputSource(db)
	queue := mergequeue.New(db, cl, nil, merges, plumbing.RootPath, cfg.MergeQueue.MaxRetries)
	if n, err := queue.ReconcileOnStartup(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mono-serve: reconcile merge queue: %w", err)
	} else if n > 0 {
		logReconciledEntries(n)
	}

	return &stack{db: db, decoder: decoder, root: root, cl: cl, svc: svc, queue: queue}, nil
}

func (s *stack) Close() error {
	s.decoder.Close()
	return s.db.Close()
}

// runQueueTicker drives the Merge Queue's Tick loop (§4.8) on
// cfg.MergeQueue.TickPeriod, the background half of C8 neither transport
// invokes directly.
func (s *stack) runQueueTicker(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.queue.Tick(ctx); err != nil {
				logQueueTickError(err)
			}
		}
	}
}

func buildRawBlobBackend(ctx context.Context, sqlDB *sql.DB, cfg *config.BlobConfig) (storage.RawBlobBackend, error) {
	switch cfg.Backend {
	case config.BlobBackendLocalFs:
		return storage.NewLocalFsRawBlob(cfg.FsRoot, sqlDB), nil
	case config.BlobBackendAwsS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("mono-serve: load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return storage.NewS3RawBlob(client, cfg.S3Bucket, cfg.S3Prefix, sqlDB), nil
	default:
		return storage.NewInlineRawBlob(sqlDB), nil
	}
}
