// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monocorp/monoforge/modules/object"
	"github.com/monocorp/monoforge/modules/plumbing"
)

type memRawBlob struct {
	data map[plumbing.Hash][]byte
}

func newMemRawBlob() *memRawBlob { return &memRawBlob{data: map[plumbing.Hash][]byte{}} }

func (m *memRawBlob) Put(ctx context.Context, oid plumbing.Hash, content []byte) error {
	m.data[oid] = append([]byte(nil), content...)
	return nil
}

func (m *memRawBlob) Get(ctx context.Context, oid plumbing.Hash) ([]byte, error) {
	content, ok := m.data[oid]
	if !ok {
		return nil, &ErrObjectNotFound{Hash: oid.String()}
	}
	return content, nil
}

func TestThresholdBackendRoutesBySize(t *testing.T) {
	inline := newMemRawBlob()
	overflow := newMemRawBlob()
	tb := &ThresholdBackend{Threshold: 4, Inline: inline, Overflow: overflow}

	small := object.HashPayload(object.BlobType, []byte("ab"))
	big := object.HashPayload(object.BlobType, []byte("abcdefgh"))

	require.NoError(t, tb.Put(context.Background(), small, []byte("ab")))
	require.NoError(t, tb.Put(context.Background(), big, []byte("abcdefgh")))

	_, ok := inline.data[small]
	require.True(t, ok)
	_, ok = overflow.data[big]
	require.True(t, ok)

	got, err := tb.Get(context.Background(), small)
	require.NoError(t, err)
	require.Equal(t, []byte("ab"), got)

	got, err = tb.Get(context.Background(), big)
	require.NoError(t, err)
	require.Equal(t, []byte("abcdefgh"), got)
}

func TestThresholdBackendGetNotFound(t *testing.T) {
	tb := &ThresholdBackend{Threshold: 4, Inline: newMemRawBlob(), Overflow: newMemRawBlob()}
	_, err := tb.Get(context.Background(), plumbing.NewHash("deadbeef"))
	require.True(t, IsErrObjectNotFound(err))
}
