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

// Package workerpool implements the bounded, multi-handle worker pool
// contract consumed throughout pkg/rpc (the incoming-message queue, the
// call queue, and the outgoing-request queue are each one instance of
// this pool). The contract is re-derived from its call sites in
// tiflow's pkg/p2p.MessageServer (pool.RegisterEvent(fn).OnExit(onErr),
// handle.AddEvent(ctx, arg), handle.GracefulUnregister(ctx, timeout),
// pool.Run(ctx)); that package's own source was not retrieved, only its
// usage, so this is a clean-room re-implementation of the same shape,
// generalized to the queues this RPC processor needs.
package workerpool

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// EventFunc processes one event delivered to a registered handle.
type EventFunc func(ctx context.Context, event interface{}) error

type workItem struct {
	handle *EventHandle
	event  interface{}
}

// WorkerPool is a bounded pool of goroutines draining a shared queue of
// events, each event routed to the EventHandle it was added through.
type WorkerPool interface {
	// RegisterEvent registers a new handle processed by this pool.
	RegisterEvent(fn EventFunc) *EventHandle
	// Run drains the pool until ctx is done.
	Run(ctx context.Context) error
	// Pending returns the current number of queued-but-not-yet-processed events.
	Pending() int
}

type defaultWorkerPool struct {
	name     string
	workers  int
	capacity int
	workCh   chan workItem
	pending  atomic.Int64

	mu      sync.Mutex
	handles map[int64]*EventHandle
	nextID  atomic.Int64
}

// NewDefaultWorkerPool constructs a WorkerPool with the given worker
// goroutine count and queue capacity. name is used only for logging.
func NewDefaultWorkerPool(name string, workers, capacity int) WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &defaultWorkerPool{
		name:     name,
		workers:  workers,
		capacity: capacity,
		workCh:   make(chan workItem, capacity),
		handles:  make(map[int64]*EventHandle),
	}
}

func (p *defaultWorkerPool) Pending() int {
	return int(p.pending.Load())
}

// EventHandle is a single registered consumer within a WorkerPool.
type EventHandle struct {
	id      int64
	pool    *defaultWorkerPool
	fn      EventFunc
	onExit  func(error)
	errCh   chan error
	exited  atomic.Bool
	inFlig  atomic.Int64
	exitSig chan struct{}
}

// OnExit registers a callback invoked exactly once, the first time fn
// returns a non-nil error. Chainable, matching the teacher's
// `pool.RegisterEvent(fn).OnExit(onErr)` call shape.
func (h *EventHandle) OnExit(f func(error)) *EventHandle {
	h.onExit = f
	return h
}

// ErrCh exposes the (buffered, capacity 1) channel the handle's terminal
// error, if any, is published on.
func (h *EventHandle) ErrCh() <-chan error {
	return h.errCh
}

// RegisterEvent registers fn as a new consumer of this pool and returns
// its handle. Panics are not recovered here; callers needing panic
// isolation (the call pipeline, per §4.5 step 6) must recover inside fn.
func (p *defaultWorkerPool) RegisterEvent(fn EventFunc) *EventHandle {
	h := &EventHandle{
		id:      p.nextID.Inc(),
		pool:    p,
		fn:      fn,
		errCh:   make(chan error, 1),
		exitSig: make(chan struct{}),
	}
	p.mu.Lock()
	p.handles[h.id] = h
	p.mu.Unlock()
	return h
}

// AddEvent enqueues event for processing by h. It blocks until there is
// queue capacity, ctx is canceled, or the handle has already exited.
func (h *EventHandle) AddEvent(ctx context.Context, event interface{}) error {
	if h.exited.Load() {
		return context.Canceled
	}
	h.inFlig.Inc()
	select {
	case h.pool.workCh <- workItem{handle: h, event: event}:
		h.pool.pending.Inc()
		return nil
	case <-ctx.Done():
		h.inFlig.Dec()
		return ctx.Err()
	case <-h.exitSig:
		h.inFlig.Dec()
		return context.Canceled
	}
}

// TryAddEvent is the non-blocking variant used where the caller must
// react to a full queue with a CapacityError instead of waiting (§4.5:
// "If the call queue is full -> error response 'too many RPC requests'").
func (h *EventHandle) TryAddEvent(event interface{}) (ok bool) {
	if h.exited.Load() {
		return false
	}
	h.inFlig.Inc()
	select {
	case h.pool.workCh <- workItem{handle: h, event: event}:
		h.pool.pending.Inc()
		return true
	default:
		h.inFlig.Dec()
		return false
	}
}

// GracefulUnregister waits for all events already queued for h to drain,
// then removes h from the pool. If timeout elapses first, h is removed
// forcefully and an error is returned.
func (h *EventHandle) GracefulUnregister(ctx context.Context, timeout time.Duration) error {
	deadline := time.After(timeout)
	for h.inFlig.Load() > 0 {
		select {
		case <-ctx.Done():
			h.forceUnregister()
			return ctx.Err()
		case <-deadline:
			h.forceUnregister()
			return context.DeadlineExceeded
		case <-time.After(time.Millisecond):
		}
	}
	h.forceUnregister()
	return nil
}

func (h *EventHandle) forceUnregister() {
	h.pool.mu.Lock()
	delete(h.pool.handles, h.id)
	h.pool.mu.Unlock()
	if h.exited.CompareAndSwap(false, true) {
		close(h.exitSig)
	}
}

func (h *EventHandle) fail(err error) {
	if h.exited.CompareAndSwap(false, true) {
		close(h.exitSig)
		select {
		case h.errCh <- err:
		default:
		}
		if h.onExit != nil {
			h.onExit(err)
		}
	}
}

// Run starts the configured number of worker goroutines and blocks until
// ctx is canceled.
func (p *defaultWorkerPool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func(workerID int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item, ok := <-p.workCh:
					if !ok {
						return
					}
					p.pending.Dec()
					p.process(ctx, item)
				}
			}
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (p *defaultWorkerPool) process(ctx context.Context, item workItem) {
	defer item.handle.inFlig.Dec()
	if item.handle.exited.Load() {
		return
	}
	err := item.handle.fn(ctx, item.event)
	if err != nil {
		log.Warn("workerpool: handler returned error", zap.String("pool", p.name), zap.Error(err))
		item.handle.fail(err)
	}
}
