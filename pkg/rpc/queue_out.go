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
	"sort"
	"sync"

	"github.com/edwingeng/deque"
	rpcerrors "github.com/pingcap/tirpc/pkg/errors"
	"golang.org/x/time/rate"
)

// outgoingQueue is the outgoing serializer (§4.3): one deque per
// distinct priority value declared in PriorityConfig, drained
// highest-priority-first and FIFO within a priority, by the single
// writeLoop goroutine. Modeled on the teacher's per-stream send
// goroutine in SendMessage (one rate-limited consumer draining a
// channel); generalized from one FIFO channel to N priority deques.
type outgoingQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	queues     map[int]deque.Deque
	priorities []int // descending
	count      int
	capacity   int
	closed     bool

	limiter *rate.Limiter
}

func newOutgoingQueue(capacity int, priorities PriorityConfig, rateLimit float64) *outgoingQueue {
	q := &outgoingQueue{
		queues:   make(map[int]deque.Deque),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	seen := map[int]bool{}
	for _, p := range []int{priorities.Chunk, priorities.RPC, priorities.Event} {
		if seen[p] {
			continue
		}
		seen[p] = true
		q.queues[p] = deque.NewDeque()
		q.priorities = append(q.priorities, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(q.priorities)))
	if rateLimit > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit)+1)
	}
	return q
}

// enqueue implements §4.3: block while the aggregate queue is at
// capacity, return ErrProcessorDisposed once closed.
func (q *outgoingQueue) enqueue(m Message, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count >= q.capacity && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return rpcerrors.ErrProcessorDisposed
	}
	dq, ok := q.queues[priority]
	if !ok {
		dq = deque.NewDeque()
		q.queues[priority] = dq
		q.priorities = append(q.priorities, priority)
		sort.Sort(sort.Reverse(sort.IntSlice(q.priorities)))
	}
	dq.PushBack(m)
	q.count++
	q.cond.Signal()
	return nil
}

// dequeue blocks until a message is available, the queue is closed and
// drained, or ctx is canceled.
func (q *outgoingQueue) dequeue(ctx context.Context) (Message, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for _, pr := range q.priorities {
			if dq := q.queues[pr]; dq.Len() > 0 {
				v := dq.PopFront()
				q.count--
				if q.limiter != nil {
					q.mu.Unlock()
					_ = q.limiter.Wait(ctx)
					q.mu.Lock()
				}
				return v.(Message), true
			}
		}
		if q.closed {
			return Message{}, false
		}
		if ctx.Err() != nil {
			return Message{}, false
		}
		q.cond.Wait()
	}
}

func (q *outgoingQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// writeLoop drains the outgoing queue in priority order and writes each
// message with the codec (§4.3).
func (p *Processor) writeLoop(ctx context.Context) error {
	for {
		m, ok := p.outgoing.dequeue(ctx)
		if !ok {
			return nil
		}
		m.PeerVersion = p.options.RpcVersion
		if err := p.options.Codec.WriteMessage(p.options.Stream, m); err != nil {
			wrapped := rpcerrors.ErrProtocolViolation.GenWithStackByArgs(err)
			// As in heartbeatLoop: stop the processor directly so the
			// dispose cascade closes the stream, rather than leaving
			// readLoop's blocking read stranded until errgroup.Wait
			// eventually notices this goroutine returned.
			p.StopExceptional(wrapped)
			return wrapped
		}
		if p.options.FlushStream {
			if f, ok := p.options.Stream.(interface{ Flush() error }); ok {
				_ = f.Flush()
			}
		}
		p.lastOutgoingAt.Store(p.options.Clock.Now().UnixNano())
		messagesSentTotal.WithLabelValues(m.Kind.String()).Inc()
	}
}

// enqueueOutgoing implements §4.3: enqueue m on the priority queue
// matching priority, blocking only on a full queue's backpressure, and
// failing with ErrProcessorDisposed once the processor is disposed.
func (p *Processor) enqueueOutgoing(m Message, priority int) error {
	select {
	case <-p.disposed:
		return rpcerrors.ErrProcessorDisposed
	default:
	}
	return p.outgoing.enqueue(m, priority)
}
