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
	"sync"
	"time"

	"github.com/pingcap/log"
	rpcerrors "github.com/pingcap/tirpc/pkg/errors"
	"go.uber.org/zap"
)

// pendingRequest is §3's Pending Request record: {id, completion
// (value/err, signaled once on done), created/done timestamps}. The sent
// message is not kept, and cancellation arrives through the context
// passed to await.
type pendingRequest struct {
	id        int64
	createdAt time.Time

	once   sync.Once
	done   chan struct{}
	value  interface{}
	err    error
	doneAt time.Time
}

func newPendingRequest(id int64, now time.Time) *pendingRequest {
	return &pendingRequest{id: id, createdAt: now, done: make(chan struct{})}
}

func (p *pendingRequest) complete(value interface{}, err error) {
	p.once.Do(func() {
		p.value, p.err = value, err
		p.doneAt = time.Now()
		close(p.done)
	})
}

func (p *pendingRequest) fail(err error) { p.complete(nil, err) }

// await blocks until the request completes, ctx is canceled, or timeout
// elapses (whichever is first). On caller cancellation it returns
// CancellationError; on elapsed timeout, TimeoutError (§4.4, §7).
func (p *pendingRequest) await(ctx context.Context) (interface{}, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		err := rpcerrors.ErrCanceled
		if ctx.Err() == context.DeadlineExceeded {
			err = rpcerrors.ErrRequestTimeout
		}
		p.complete(nil, err)
		return nil, err
	}
}

// requestRegistry is the processor-wide map from outgoing message ID to
// pending request (§3, §4.4). Modeled on tiflow's ackManager
// (pkg/p2p/server.go), generalized from per-topic sequence numbers to
// one registry entry per outstanding request.
type requestRegistry struct {
	mu      sync.Mutex
	pending map[int64]*pendingRequest
}

func newRequestRegistry() *requestRegistry {
	return &requestRegistry{pending: make(map[int64]*pendingRequest)}
}

func (r *requestRegistry) create(id int64) *pendingRequest {
	pr := newPendingRequest(id, time.Now())
	r.mu.Lock()
	r.pending[id] = pr
	n := len(r.pending)
	r.mu.Unlock()
	pendingRequestsGauge.Set(float64(n))
	return pr
}

// remove deletes the entry exactly once; safe to call more than once
// (§4.4 "Removal from the registry happens exactly once").
func (r *requestRegistry) remove(id int64) {
	r.mu.Lock()
	delete(r.pending, id)
	n := len(r.pending)
	r.mu.Unlock()
	pendingRequestsGauge.Set(float64(n))
}

func (r *requestRegistry) lookup(id int64) (*pendingRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pr, ok := r.pending[id]
	return pr, ok
}

func (r *requestRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// failAll completes every pending request with err, used during the
// dispose cascade (§4.11: "cancel pending requests with dispose-error").
func (r *requestRegistry) failAll(err error) {
	r.mu.Lock()
	all := make([]*pendingRequest, 0, len(r.pending))
	for _, pr := range r.pending {
		all = append(all, pr)
	}
	r.pending = make(map[int64]*pendingRequest)
	r.mu.Unlock()
	for _, pr := range all {
		pr.fail(err)
	}
}

// handleResponse looks the pending request up by ID and completes it.
// Late or unsolicited responses are logged and discarded (§4.4).
func (p *Processor) handleResponse(m Message) {
	pr, ok := p.requests.lookup(m.ID)
	if !ok {
		log.Debug("rpc: unsolicited or late response, discarded", zap.Int64("id", m.ID))
		return
	}
	p.requests.remove(m.ID)
	if m.Kind == KindErrorResponse {
		pr.complete(nil, rpcerrors.ErrRemote.GenWithStackByArgs(m.Error))
		return
	}
	pr.complete(m.ReturnValue, nil)
}

// handleCancel processes an inbound Cancel referencing a call we are
// serving (§4.5 "Cancellation"): it triggers that call's cancellation.
func (p *Processor) handleCancel(m Message) {
	p.calls.cancel(m.ID)
}

// SendRequest implements §4.4: allocate a fresh message ID, register a
// pending request, enqueue the message, then await completion subject
// to ctx and an optional timeout. Best-effort Cancel is sent to the peer
// if the caller gives up first.
func (p *Processor) SendRequest(ctx context.Context, api, method string, params []interface{}, wantsReturnValue bool, timeout time.Duration) (interface{}, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	id := p.nextMessageID()
	pr := p.requests.create(id)
	msg := Message{
		Kind: KindRequest, ID: id, API: api, Method: method,
		Parameters: params, WantsReturnValue: wantsReturnValue, WantsResponse: true,
	}
	if err := p.dispatchRequest(ctx, msg, p.options.Priorities.RPC); err != nil {
		p.requests.remove(id)
		return nil, err
	}
	value, err := pr.await(ctx)
	if err != nil {
		// Best-effort Cancel: the peer may have already answered.
		_ = p.sendBestEffort(Message{Kind: KindCancel, ID: id})
	}
	p.requests.remove(id)
	if err == nil {
		value, err = p.reifyReturnValue(ctx, value)
	}
	return value, err
}

// reifyReturnValue turns a wire-level ScopeValue/StreamValue return
// value into the live handle a caller actually wants: a *RemoteScope
// with its live value, or a *StreamReader ready to be read (§4.5 step 7
// mirrored on the caller side).
func (p *Processor) reifyReturnValue(ctx context.Context, value interface{}) (interface{}, error) {
	if sv, ok := value.(ScopeValue); ok {
		c := &Call{ID: 0, Processor: p}
		scope, err := p.materializeRemoteScope(c, sv, DisposeNever)
		if err != nil {
			return nil, err
		}
		return scope.scopeLiveValue(), nil
	}
	if sv, ok := value.(StreamValue); ok {
		if sv.HasContent {
			return sv.Content, nil
		}
		return p.OpenIncomingStream(ctx, sv)
	}
	return value, nil
}

// SendVoidRequest is SendRequest discarding the return value (§4.4).
func (p *Processor) SendVoidRequest(ctx context.Context, api, method string, params []interface{}, timeout time.Duration) error {
	_, err := p.SendRequest(ctx, api, method, params, false, timeout)
	return err
}
