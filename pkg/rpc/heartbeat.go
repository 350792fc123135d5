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
	"time"

	"github.com/pingcap/failpoint"
	rpcerrors "github.com/pingcap/tirpc/pkg/errors"
)

// heartbeatLoop implements §4.10's dual self/peer heartbeat: a Ping is
// sent after Timeout of outbound silence, and the link is declared dead
// if no Pong follows within PeerTimeout, or if nothing at all has been
// heard from the peer for Timeout+PeerTimeout. Grounded on the
// teacher's single AckInterval ticker in MessageServer.run, split here
// into two independently-tracked timers.
func (p *Processor) heartbeatLoop(ctx context.Context) error {
	cfg := p.options.KeepAlive
	interval := cfg.Timeout / 4
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	clk := p.options.Clock
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	var pingSentAt time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			forceLoss := false
			failpoint.Inject("rpcForceHeartbeatLoss", func() { forceLoss = true })
			if forceLoss {
				p.StopExceptional(rpcerrors.ErrPeerHeartbeatTimeout)
				return rpcerrors.ErrPeerHeartbeatTimeout
			}

			lastOut := time.Unix(0, p.lastOutgoingAt.Load())
			lastIn := time.Unix(0, p.lastIncomingAt.Load())

			if now.Sub(lastIn) >= cfg.Timeout+cfg.PeerTimeout {
				// Stop the processor directly rather than merely returning
				// the error to the errgroup: readLoop is very likely
				// blocked inside Codec.ReadMessage on a peer that has gone
				// silent, and errgroup.Wait would never observe this
				// goroutine's cancellation without StopExceptional closing
				// the underlying stream to unblock it.
				p.StopExceptional(rpcerrors.ErrPeerHeartbeatTimeout)
				return rpcerrors.ErrPeerHeartbeatTimeout
			}

			if p.awaitingPong.Load() {
				if now.Sub(pingSentAt) > cfg.PeerTimeout {
					p.StopExceptional(rpcerrors.ErrSelfHeartbeatTimeout)
					return rpcerrors.ErrSelfHeartbeatTimeout
				}
				continue
			}
			if now.Sub(lastOut) >= cfg.Timeout {
				if err := p.sendBestEffort(Message{Kind: KindPing, ID: p.nextMessageID()}); err == nil {
					p.awaitingPong.Store(true)
					pingSentAt = now
				}
			}
		}
	}
}

// handlePing answers an inbound Ping with a Pong echoing its ID (§4.10).
func (p *Processor) handlePing(m Message) {
	_ = p.sendBestEffort(Message{Kind: KindPong, ID: m.ID})
}

// handlePong clears the self-heartbeat wait (§4.10).
func (p *Processor) handlePong(m Message) {
	p.awaitingPong.Store(false)
}
