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

// Package rpc implements a bidirectional RPC processor over a duplex
// byte stream: a peer-symmetric message multiplexer offering request/
// response calls, fire-and-forget events, scope (remote-reference)
// handles, and chunked byte streams, all running over four cooperating
// worker queues. Modeled on tiflow's pkg/p2p peer-messaging server
// (github.com/pingcap/tiflow/pkg/p2p/server.go), generalized from
// "topic messages between CDC peers" to "arbitrary RPC between any two
// processors".
package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/log"
	rpcerrors "github.com/pingcap/tirpc/pkg/errors"
	"github.com/pingcap/tirpc/internal/workerpool"
	uatomic "go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Processor is the central RPC runtime: one per duplex connection
// (§3). It owns the four worker queues, the request/event/scope/call
// registries, and the dispose cascade.
type Processor struct {
	options Options

	messageIDSeq int64
	scopeIDSeq   int64

	requests *requestRegistry
	events   *eventRegistry
	scopes   *scopeRegistry
	calls    *callRegistry
	streams  *streamRegistry

	forwardCache sync.Map // forwardCacheKey -> *MethodInfo

	incomingQueueHandle *workerpool.EventHandle
	callQueueHandle     *workerpool.EventHandle
	requestQueueHandle  *workerpool.EventHandle

	incomingPool workerpool.WorkerPool
	callPool     workerpool.WorkerPool
	requestPool  workerpool.WorkerPool

	outgoing *outgoingQueue

	lastOutgoingAt atomic.Int64 // unix nanos
	lastIncomingAt atomic.Int64
	awaitingPong   uatomic.Bool

	disposeOnce sync.Once
	disposed    chan struct{}
	disposeErr  error

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New constructs a Processor bound to opts.Stream. Call Run to drive it.
func New(opts Options) (*Processor, error) {
	opts.setDefaults()
	if opts.Stream == nil {
		return nil, rpcerrors.ErrInvalidOptions.GenWithStackByArgs("Stream is required")
	}
	if opts.Codec == nil {
		return nil, rpcerrors.ErrInvalidOptions.GenWithStackByArgs("Codec is required")
	}

	p := &Processor{
		options:  opts,
		requests: newRequestRegistry(),
		events:   newEventRegistry(),
		scopes:   newScopeRegistry(opts.ScopeLimit, opts.MaxPendingScopeRegistrations),
		calls:    newCallRegistry(),
		streams:  newStreamRegistry(opts.MaxStreamCount),
		disposed: make(chan struct{}),
	}
	p.runCtx, p.runCancel = context.WithCancel(context.Background())
	p.outgoing = newOutgoingQueue(opts.OutgoingMessageQueueCapacity, opts.Priorities, opts.OutgoingRateLimit)

	// Seed both silence timestamps to construction time: left at the
	// zero value they'd read as the Unix epoch, so the first heartbeat
	// tick would see an enormous elapsed duration and fire a spurious
	// timeout before any message ever crossed the wire.
	now := opts.Clock.Now().UnixNano()
	p.lastOutgoingAt.Store(now)
	p.lastIncomingAt.Store(now)

	p.incomingPool = workerpool.NewDefaultWorkerPool("rpc-incoming", opts.IncomingMessageQueue.Threads, opts.IncomingMessageQueue.Capacity)
	p.incomingQueueHandle = p.incomingPool.RegisterEvent(p.runIncomingMessage).OnExit(p.onFatal)

	p.callPool = workerpool.NewDefaultWorkerPool("rpc-call", opts.CallQueue.Threads, opts.CallQueue.Capacity)
	p.callQueueHandle = p.callPool.RegisterEvent(p.runCall).OnExit(p.onFatal)

	p.requestPool = workerpool.NewDefaultWorkerPool("rpc-dispatch", opts.RequestQueue.Threads, opts.RequestQueue.Capacity)
	p.requestQueueHandle = p.requestPool.RegisterEvent(p.runDispatch).OnExit(p.onFatal)

	return p, nil
}

// lifecycleCtx is the root cancellation every call/stream/heartbeat
// goroutine derives from: canceled the moment the processor starts
// tearing down.
func (p *Processor) lifecycleCtx() context.Context { return p.runCtx }

// nextMessageID allocates a fresh outgoing message ID (§3, monotonic
// per processor, never reused while an entry with that ID is live).
func (p *Processor) nextMessageID() int64 {
	return atomic.AddInt64(&p.messageIDSeq, 1)
}

func (p *Processor) nextScopeID() int64 {
	return atomic.AddInt64(&p.scopeIDSeq, 1)
}

// Run drives the processor until ctx is canceled, a fatal error occurs,
// or Close/StopExceptional is called; it blocks until every worker has
// exited (§4, modeled on the teacher's errgroup-supervised Run in
// pkg/p2p/server.go).
func (p *Processor) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error { return p.incomingPool.Run(egCtx) })
	eg.Go(func() error { return p.callPool.Run(egCtx) })
	eg.Go(func() error { return p.requestPool.Run(egCtx) })
	eg.Go(func() error { return p.readLoop(egCtx) })
	eg.Go(func() error { return p.writeLoop(egCtx) })
	if p.options.KeepAlive != nil {
		eg.Go(func() error { return p.heartbeatLoop(egCtx) })
	}
	eg.Go(func() error {
		select {
		case <-egCtx.Done():
			return nil
		case <-p.disposed:
			if p.disposeErr == nil {
				stop() // a graceful Close carries no error to cancel the group
			}
			return p.disposeErr
		}
	})

	err := eg.Wait()
	p.runCancel()
	if err != nil && err != context.Canceled {
		p.StopExceptional(err)
		return err
	}
	return nil
}

// dispatchJob is one admission request into the outgoing-calls-to-peer
// queue (the third of the four worker queues, §3): SendRequest submits
// through this queue so a burst of concurrent callers is bounded by the
// queue's capacity rather than growing goroutines unbounded.
type dispatchJob struct {
	msg      Message
	priority int
	result   chan error
}

// runDispatch is the outgoing-calls-to-peer queue worker body: hand the
// job's message to the outgoing serializer queue and report the outcome.
func (p *Processor) runDispatch(_ context.Context, event interface{}) error {
	job := event.(*dispatchJob)
	job.result <- p.enqueueOutgoing(job.msg, job.priority)
	return nil
}

// dispatchRequest admits msg through the outgoing-calls-to-peer queue,
// used by SendRequest (§4.4).
func (p *Processor) dispatchRequest(ctx context.Context, msg Message, priority int) error {
	job := &dispatchJob{msg: msg, priority: priority, result: make(chan error, 1)}
	if ok := p.requestQueueHandle.TryAddEvent(job); !ok {
		return rpcerrors.ErrTooManyRPCRequests
	}
	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendBestEffort enqueues m without surfacing backpressure as an error
// to the caller's control flow (used for acks, pongs, scope/stream
// lifecycle notifications): failures are logged, not propagated.
func (p *Processor) sendBestEffort(m Message) error {
	if err := p.enqueueOutgoing(m, p.options.Priorities.RPC); err != nil {
		log.Debug("rpc: best-effort send dropped", zap.Stringer("kind", m.Kind), zap.Error(err))
		return err
	}
	return nil
}

func (p *Processor) onFatal(err error) {
	if err == nil {
		return
	}
	p.StopExceptional(err)
}

// StopExceptional implements §4.11: tear the processor down with err as
// the recorded cause, fail all pending requests/calls, dispose all
// scopes and streams, exactly once.
func (p *Processor) StopExceptional(err error) {
	p.disposeOnce.Do(func() {
		log.Warn("rpc: processor stopping", zap.Error(err))
		p.disposeErr = err
		p.runCancel()
		p.requests.failAll(err)
		p.calls.cancelAll()
		p.scopes.disposeAll()
		p.streams.disposeAll()
		p.outgoing.close()
		// Closing the stream unblocks a readLoop parked in a blocking
		// Codec.ReadMessage call — without this, a peer that merely goes
		// silent (rather than closing its end) would leave readLoop stuck
		// forever even after heartbeatLoop has already declared the link
		// dead.
		if closeErr := p.options.Stream.Close(); closeErr != nil {
			log.Debug("rpc: error closing underlying stream", zap.Error(closeErr))
		}
		_ = multierr.Combine(
			safeUnregister(p.incomingQueueHandle, p.options.WaitUnregisterHandleTimeout),
			safeUnregister(p.callQueueHandle, p.options.WaitUnregisterHandleTimeout),
			safeUnregister(p.requestQueueHandle, p.options.WaitUnregisterHandleTimeout),
		)
		close(p.disposed)
	})
}

// Close gracefully stops the processor (best-effort Close message to
// the peer, then the same teardown as StopExceptional with a nil cause).
func (p *Processor) Close() error {
	_ = p.sendBestEffort(Message{Kind: KindClose})
	p.StopExceptional(nil)
	return nil
}

func (p *Processor) handleClose(m Message) {
	if !p.options.HandleCloseMessage {
		p.StopExceptional(rpcerrors.ErrProtocolViolation.GenWithStackByArgs("unexpected Close"))
		return
	}
	p.StopExceptional(nil)
}

func safeUnregister(h *workerpool.EventHandle, timeout time.Duration) error {
	if h == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.GracefulUnregister(ctx, timeout)
}

// RegisterScopeFactory registers f for typeTag and replays any
// ScopeRegistration messages that arrived before this registration
// (§9 Open Question #1).
func (p *Processor) RegisterScopeFactory(typeTag string, f ScopeFactory) {
	for _, m := range p.scopes.RegisterFactory(typeTag, f) {
		p.handleScopeRegistration(m)
	}
}

// RegisterEvent registers a local handler for an inbound named event.
func (p *Processor) RegisterEvent(h *EventHandler) { p.events.Register(h) }
