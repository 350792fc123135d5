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
	"fmt"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// EventHandler is one registered local handler for an inbound Event
// (§3, §4.6).
type EventHandler struct {
	Name string
	// ArgsType names the type of the event's arguments. The processor
	// does not read it: Handle receives Arguments exactly as the codec
	// decoded them, with no conversion to ArgsType.
	ArgsType interface{}
	Handle   func(args interface{}) error
}

// eventRegistry is the processor-wide event-name -> handler map plus the
// outbound raise path (§4.6).
type eventRegistry struct {
	mu       sync.RWMutex
	handlers map[string]*EventHandler
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{handlers: make(map[string]*EventHandler)}
}

// Register adds h. Names are unique per side (§4.6); registering a
// duplicate name is a programmer error, mirroring the teacher's
// log.Panic on duplicate topic handlers in pkg/p2p/server.go.
func (r *eventRegistry) Register(h *EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Name]; ok {
		log.Panic("rpc: duplicate event handler registration", zap.String("event", h.Name))
	}
	r.handlers[h.Name] = h
}

func (r *eventRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

func (r *eventRegistry) lookup(name string) (*EventHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// handleInboundEvent implements §4.6 "Inbound Event": Arguments is passed
// to the handler as the codec decoded it (ArgsType is not applied); the
// handler is invoked and, if the sender requested an ack (Waiting), the
// outcome is answered with a Response or ErrorResponse.
func (p *Processor) handleInboundEvent(m Message) {
	h, ok := p.events.lookup(m.EventName)
	if !ok {
		log.Debug("rpc: event with no registered handler, dropped", zap.String("event", m.EventName))
		if m.Waiting {
			_ = p.sendBestEffort(Message{Kind: KindErrorResponse, ID: m.ID,
				Error: fmt.Sprintf("no handler registered for event %q", m.EventName)})
		}
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("event handler %q panicked: %v", m.EventName, r)
			}
		}()
		return h.Handle(m.Arguments)
	}()
	if !m.Waiting {
		if err != nil {
			log.Warn("rpc: unwaited event handler failed, isolated", zap.String("event", m.EventName), zap.Error(err))
		}
		return
	}
	if err != nil {
		_ = p.sendBestEffort(Message{Kind: KindErrorResponse, ID: m.ID, Error: err.Error()})
		return
	}
	_ = p.sendBestEffort(Message{Kind: KindResponse, ID: m.ID})
}

// RaiseEvent raises a named event on the peer. When wait is false this
// is fire-and-forget. When wait is true it allocates a pending-request
// record to correlate the peer's ack (§4.6 "Outbound raise").
func (p *Processor) RaiseEvent(ctx context.Context, name string, args interface{}, wait bool) error {
	if !wait {
		return p.enqueueOutgoing(Message{Kind: KindEvent, EventName: name, Arguments: args, Waiting: false}, p.options.Priorities.Event)
	}
	id := p.nextMessageID()
	pr := p.requests.create(id)
	defer p.requests.remove(id)
	if err := p.enqueueOutgoing(Message{Kind: KindEvent, ID: id, EventName: name, Arguments: args, Waiting: true}, p.options.Priorities.Event); err != nil {
		pr.fail(err)
		return err
	}
	_, err := pr.await(ctx)
	return err
}
