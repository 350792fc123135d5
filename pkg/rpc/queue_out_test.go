// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestOutgoingQueuePriorityOrder checks §4.3's only ordering contract:
// dequeue is by (priority DESC, enqueue order).
func TestOutgoingQueuePriorityOrder(t *testing.T) {
	q := newOutgoingQueue(16, DefaultPriorities, 0)

	require.NoError(t, q.enqueue(Message{Kind: KindStreamChunk, ID: 1}, DefaultPriorities.Chunk))
	require.NoError(t, q.enqueue(Message{Kind: KindRequest, ID: 2}, DefaultPriorities.RPC))
	require.NoError(t, q.enqueue(Message{Kind: KindEvent, ID: 3}, DefaultPriorities.Event))
	require.NoError(t, q.enqueue(Message{Kind: KindResponse, ID: 4}, DefaultPriorities.RPC))

	ctx := context.Background()
	var got []int64
	for i := 0; i < 4; i++ {
		m, ok := q.dequeue(ctx)
		require.True(t, ok)
		got = append(got, m.ID)
	}
	// Event (highest) first, then the two RPC messages in FIFO order,
	// then the chunk.
	require.Equal(t, []int64{3, 2, 4, 1}, got)

	q.close()
	_, ok := q.dequeue(ctx)
	require.False(t, ok)
}

func TestOutgoingQueueEnqueueAfterClose(t *testing.T) {
	q := newOutgoingQueue(4, DefaultPriorities, 0)
	q.close()
	require.Error(t, q.enqueue(Message{Kind: KindRequest}, DefaultPriorities.RPC))
}
