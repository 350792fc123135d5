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

package rpc_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tirpc/codec/msgpackcodec"
	iclock "github.com/pingcap/tirpc/internal/clock"
	rpcerrors "github.com/pingcap/tirpc/pkg/errors"
	"github.com/pingcap/tirpc/pkg/rpc"
)

// TestHeartbeatPeerSilenceIsFatal silences the peer entirely: with
// KeepAlive = {200ms, 200ms} the processor must stop exceptionally with
// a heartbeat timeout once Timeout+PeerTimeout of inbound silence has
// elapsed. The mock clock drives the timers without real sleeping.
func TestHeartbeatPeerSilenceIsFatal(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	clk := iclock.NewMock()
	p, err := rpc.New(rpc.Options{
		Stream: b,
		Codec:  msgpackcodec.New(0),
		KeepAlive: &rpc.KeepAliveConfig{
			Timeout:     200 * time.Millisecond,
			PeerTimeout: 200 * time.Millisecond,
		},
		Clock: clk,
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(context.Background()) }()

	// Drain the silent peer's read side so an outbound Ping never blocks
	// the write loop on the unbuffered pipe.
	go func() { _, _ = io.Copy(io.Discard, a) }()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case err := <-errCh:
			require.Error(t, err)
			require.True(t,
				rpcerrors.ErrPeerHeartbeatTimeout.Equal(err) || rpcerrors.ErrSelfHeartbeatTimeout.Equal(err),
				"expected a heartbeat timeout, got: %v", err)
			return
		case <-deadline:
			t.Fatal("processor never detected the silent peer")
		default:
			clk.Add(50 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}
