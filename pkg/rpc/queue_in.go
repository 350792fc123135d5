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
	"io"
	"time"

	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	rpcerrors "github.com/pingcap/tirpc/pkg/errors"
	"go.uber.org/zap"
)

// readLoop implements §4.2's incoming side: decode one message at a
// time off the stream and hand it to the incoming-message queue
// (pre-handled Response/ErrorResponse/Cancel/Ping/Pong bypass the queue
// entirely, since none of them ever invokes user code).
func (p *Processor) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		failpoint.Inject("rpcReadLoopDelay", func(val failpoint.Value) {
			if ms, ok := val.(int); ok {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		})

		m, err := p.options.Codec.ReadMessage(p.options.Stream)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			// A read failure after the dispose cascade has closed the
			// stream is the expected wakeup, not a peer violation.
			select {
			case <-p.disposed:
				return nil
			case <-p.lifecycleCtx().Done():
				return nil // the cascade has begun; disposed closes only after the stream
			default:
			}
			return rpcerrors.ErrProtocolViolation.GenWithStackByArgs(err)
		}
		p.lastIncomingAt.Store(p.options.Clock.Now().UnixNano())
		messagesReceivedTotal.WithLabelValues(m.Kind.String()).Inc()

		if p.preHandle(m) {
			continue
		}

		// Backpressure rule (§4.2): a keep-alive configured processor
		// cannot also stall its reader waiting for queue capacity (the
		// peer would starve for Pong and the link would look dead), so a
		// full queue is fatal. Without keep-alive there is no liveness
		// contract to violate, so the loop simply blocks for space.
		if p.options.KeepAlive != nil {
			if ok := p.incomingQueueHandle.TryAddEvent(m); !ok {
				return rpcerrors.ErrIncomingQueueFull
			}
			continue
		}
		if err := p.incomingQueueHandle.AddEvent(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("rpc: incoming message queue rejected event", zap.Error(err))
		}
	}
}

// preHandle implements §4.2's "certain kinds never enter the incoming
// queue": Response/ErrorResponse/Cancel/Ping/Pong complete registries
// directly.
func (p *Processor) preHandle(m Message) bool {
	switch m.Kind {
	case KindResponse, KindErrorResponse:
		p.handleResponse(m)
		return true
	case KindCancel:
		p.handleCancel(m)
		return true
	case KindPong:
		p.handlePong(m)
		return true
	case KindPing:
		p.handlePing(m)
		return true
	}
	return false
}

// runIncomingMessage is the incoming-queue worker body: everything that
// was not pre-handled (§4.2).
func (p *Processor) runIncomingMessage(_ context.Context, event interface{}) error {
	m := event.(Message)
	switch m.Kind {
	case KindRequest:
		p.onRequestReceived(m)
	case KindEvent:
		p.handleInboundEvent(m)
	case KindScopeRegistration, KindScopeEvent, KindScopeDiscarded:
		if !p.options.UseScopes {
			p.StopExceptional(rpcerrors.ErrProtocolViolation.GenWithStackByArgs("scope message received but UseScopes is disabled"))
			return nil
		}
		if m.Kind == KindScopeRegistration {
			p.handleScopeRegistration(m)
		} else {
			p.handleScopeMessage(m)
		}
	case KindStreamStart, KindStreamChunk:
		p.handleIncomingStreamMessage(m)
	case KindLocalStreamClose, KindRemoteStreamClose:
		p.handleStreamCloseMessage(m)
	case KindClose:
		p.handleClose(m)
	default:
		p.StopExceptional(rpcerrors.ErrUnknownMessageKind.GenWithStackByArgs(m.Kind))
	}
	return nil
}
