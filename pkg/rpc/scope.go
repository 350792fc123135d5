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

	"github.com/pingcap/log"
	rpcerrors "github.com/pingcap/tirpc/pkg/errors"
	"go.uber.org/zap"
)

// ScopeFactory materializes a remote scope's live value from the wire
// ScopeValue that announced it, or builds the wire ScopeValue for a
// value a local method is returning (§4.5 steps 5 & 7).
type ScopeFactory interface {
	// NewRemote builds the local handle (and live value) for a scope the
	// peer hosts, given the wire record that announced it.
	NewRemote(sv ScopeValue) (value interface{}, err error)
	// NewLocal builds the wire ScopeValue for a local value this
	// processor is about to expose to the peer as a return value.
	NewLocal(value interface{}) (ScopeValue, error)
}

// Scope is the common surface of local and remote scopes (§3, §4.9).
type Scope interface {
	ID() int64
	Key() (string, bool)
	TypeTag() string
	IsStored() bool
	IsDiscarded() bool
	// HandleMessage dispatches an inbound ScopeEvent/ScopeDiscarded/
	// subtype-specific message addressed to this scope.
	HandleMessage(m Message) error
	// Dispose tears the scope down: removes it from registries,
	// propagates IsError, disposes the held value iff WillDisposeValue,
	// and (for local scopes) notifies the peer with ScopeDiscarded.
	Dispose(isError bool)
}

type scopeEventHandler struct {
	name string
	fn   func(args interface{}) error
}

type baseScope struct {
	mu                  sync.Mutex
	id                  int64
	key                 string
	hasKey              bool
	typeTag             string
	value               interface{}
	isStored            bool
	disposeValue        bool
	disposeValueOnError bool
	discarded           bool
	isError             bool
	events              map[string]*scopeEventHandler

	proc *Processor
}

func (s *baseScope) ID() int64           { return s.id }
func (s *baseScope) Key() (string, bool) { return s.key, s.hasKey }
func (s *baseScope) TypeTag() string     { return s.typeTag }
func (s *baseScope) IsStored() bool      { return s.isStored }
func (s *baseScope) IsDiscarded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

// willDisposeValue implements §4.9's "WillDisposeValue (which is true
// when DisposeValue or (DisposeValueOnError and IsError)) holds".
func (s *baseScope) willDisposeValue() bool {
	return s.disposeValue || (s.disposeValueOnError && s.isError)
}

// RegisterScopeEvent registers a handler for one scope-scoped event
// (§4.9 "Scope-scoped events"), identical semantics to §4.6 but
// addressed to (scope id, event name) on the wire.
func (s *baseScope) RegisterScopeEvent(name string, fn func(args interface{}) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = make(map[string]*scopeEventHandler)
	}
	s.events[name] = &scopeEventHandler{name: name, fn: fn}
}

func (s *baseScope) dispatchEvent(m Message) error {
	s.mu.Lock()
	h, ok := s.events[m.EventName]
	s.mu.Unlock()
	if !ok {
		log.Debug("scope event with no registered handler, dropped",
			zap.Int64("scopeID", s.id), zap.String("event", m.EventName))
		return nil
	}
	return h.fn(m.Arguments)
}

// LocalScope is a scope this processor hosts and exposes to the peer.
type LocalScope struct {
	baseScope
}

// HandleMessage implements Scope for a local scope: ScopeEvent (the peer
// raising an event against it) is dispatched, and ScopeDiscarded (the
// peer dropping its handle) disposes the scope.
func (s *LocalScope) HandleMessage(m Message) error {
	switch m.Kind {
	case KindScopeEvent:
		return s.dispatchEvent(m)
	case KindScopeDiscarded:
		s.Dispose(false)
		return nil
	default:
		return rpcerrors.ErrUnknownScopeMessage.GenWithStackByArgs(s.id)
	}
}

// Dispose implements §4.9 "Discard and dispose" for a local scope: send
// ScopeDiscarded to the peer (best-effort) then dispose the value.
func (s *LocalScope) Dispose(isError bool) {
	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return
	}
	s.discarded = true
	s.isError = isError
	willDispose := s.willDisposeValue()
	value := s.value
	id := s.id
	key, hasKey := s.key, s.hasKey
	s.mu.Unlock()

	s.proc.scopes.removeLocal(id, key, hasKey)
	if err := s.proc.sendBestEffort(Message{Kind: KindScopeDiscarded, ScopeID: id}); err != nil {
		log.Warn("failed to notify peer of local scope discard", zap.Int64("scopeID", id), zap.Error(err))
	}
	if willDispose {
		disposeValue(value)
	}
}

// RemoteScope is the local handle to a peer-hosted scope.
type RemoteScope struct {
	baseScope
	informMasterWhenDisposing bool
}

// HandleMessage implements Scope for a remote scope.
func (s *RemoteScope) HandleMessage(m Message) error {
	switch m.Kind {
	case KindScopeEvent:
		return s.dispatchEvent(m)
	case KindScopeDiscarded:
		s.mu.Lock()
		s.discarded = true
		willDispose := s.willDisposeValue()
		value := s.value
		s.mu.Unlock()
		s.proc.scopes.removeRemote(s.id, s.key, s.hasKey)
		if willDispose {
			disposeValue(value)
		}
		return nil
	default:
		return rpcerrors.ErrUnknownScopeMessage.GenWithStackByArgs(s.id)
	}
}

// Dispose implements §4.9 for a remote scope: disposes silently unless
// InformMasterWhenDisposing is set, in which case a ScopeDiscarded is
// sent upstream too.
func (s *RemoteScope) Dispose(isError bool) {
	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return
	}
	s.discarded = true
	s.isError = isError
	willDispose := s.willDisposeValue()
	value := s.value
	id := s.id
	key, hasKey := s.key, s.hasKey
	inform := s.informMasterWhenDisposing
	s.mu.Unlock()

	s.proc.scopes.removeRemote(id, key, hasKey)
	if inform {
		if err := s.proc.sendBestEffort(Message{Kind: KindScopeDiscarded, ScopeID: id}); err != nil {
			log.Warn("failed to notify peer of remote scope disposal", zap.Int64("scopeID", id), zap.Error(err))
		}
	}
	if willDispose {
		disposeValue(value)
	}
}

func disposeValue(value interface{}) {
	if closer, ok := value.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Warn("error disposing scope value", zap.Error(err))
		}
	}
}

// scopeTable is the dual (id, key) registry shared by the local-scope
// and remote-scope tables (§4.9, §8 invariant: "exactly one instance
// addressable by each of (id) and (key) at any point in time"). It is
// the direct generalization of tiflow's pkg/p2p dual index
// (m.peers keyed by PeerID + m.pendingMessages keyed by
// topicSenderPair{Topic, SenderID}).
type scopeTable struct {
	mu    sync.Mutex
	byID  map[int64]Scope
	byKey map[string]Scope
	limit int

	// pendingByType holds ScopeRegistration messages that named a type
	// tag with no registered ScopeFactory yet (Open Question #1).
	pendingByType map[string][]Message
	maxPending    int
}

func newScopeTable(limit, maxPending int) *scopeTable {
	return &scopeTable{
		byID:          make(map[int64]Scope),
		byKey:         make(map[string]Scope),
		limit:         limit,
		pendingByType: make(map[string][]Message),
		maxPending:    maxPending,
	}
}

func (t *scopeTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// insert registers scope by id and, if keyed, by key too. replaceExisting
// controls whether a pre-existing keyed scope is atomically replaced
// (then disposed by the caller) or treated as a conflict.
func (t *scopeTable) insert(s Scope, replaceExisting bool) (replaced Scope, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, hasKey := s.Key()
	if hasKey {
		if existing, ok := t.byKey[key]; ok {
			if !replaceExisting {
				return nil, rpcerrors.ErrScopeConflict.GenWithStackByArgs(key)
			}
			replaced = existing
		}
	}
	// A replace swaps one entry for another, so the limit only gates
	// genuinely new registrations.
	if replaced == nil && t.limit > 0 && len(t.byID) >= t.limit {
		return nil, rpcerrors.ErrTooManyScopes
	}
	if replaced != nil {
		delete(t.byID, replaced.ID())
	}
	if hasKey {
		t.byKey[key] = s
	}
	t.byID[s.ID()] = s
	return replaced, nil
}

func (t *scopeTable) getByID(id int64) (Scope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	return s, ok
}

func (t *scopeTable) getByKey(key string) (Scope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byKey[key]
	return s, ok
}

// removeByKey removes only the exact instance matching key (no ABA,
// §3 invariant).
func (t *scopeTable) removeByKey(key string, instance Scope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byKey[key]; ok && existing == instance {
		delete(t.byKey, key)
	}
	delete(t.byID, instance.ID())
}

func (t *scopeTable) removeByID(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byID[id]; ok {
		if key, hasKey := s.Key(); hasKey {
			if existing, ok := t.byKey[key]; ok && existing == s {
				delete(t.byKey, key)
			}
		}
		delete(t.byID, id)
	}
}

func (t *scopeTable) all() []Scope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Scope, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

// addPending records a ScopeRegistration for a type with no factory yet,
// bounded by maxPending (§9 Open Question #1 resolution).
func (t *scopeTable) addPending(typeTag string, m Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.pendingByType[typeTag]
	if len(list) >= t.maxPending {
		return rpcerrors.ErrPendingScopeOverflow.GenWithStackByArgs(typeTag)
	}
	t.pendingByType[typeTag] = append(list, m)
	return nil
}

// drainPending returns and clears the pending registrations for typeTag,
// replayed once its factory is registered.
func (t *scopeTable) drainPending(typeTag string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.pendingByType[typeTag]
	delete(t.pendingByType, typeTag)
	return list
}

// scopeRegistry is the processor-wide pair of local/remote scope tables.
type scopeRegistry struct {
	local  *scopeTable
	remote *scopeTable

	mu        sync.RWMutex
	factories map[string]ScopeFactory
}

func newScopeRegistry(limit, maxPending int) *scopeRegistry {
	return &scopeRegistry{
		local:     newScopeTable(limit, maxPending),
		remote:    newScopeTable(limit, maxPending),
		factories: make(map[string]ScopeFactory),
	}
}

// RegisterFactory registers the ScopeFactory for a scope type tag and
// replays any ScopeRegistration messages that arrived before it did.
func (r *scopeRegistry) RegisterFactory(typeTag string, f ScopeFactory) []Message {
	r.mu.Lock()
	r.factories[typeTag] = f
	r.mu.Unlock()
	return r.remote.drainPending(typeTag)
}

func (r *scopeRegistry) factory(typeTag string) (ScopeFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typeTag]
	return f, ok
}

func (r *scopeRegistry) removeLocal(id int64, key string, hasKey bool) {
	if hasKey {
		if s, ok := r.local.getByID(id); ok {
			r.local.removeByKey(key, s)
			scopesGauge.WithLabelValues("local").Set(float64(r.local.count()))
			return
		}
	}
	r.local.removeByID(id)
	scopesGauge.WithLabelValues("local").Set(float64(r.local.count()))
}

func (r *scopeRegistry) removeRemote(id int64, key string, hasKey bool) {
	if hasKey {
		if s, ok := r.remote.getByID(id); ok {
			r.remote.removeByKey(key, s)
			scopesGauge.WithLabelValues("remote").Set(float64(r.remote.count()))
			return
		}
	}
	r.remote.removeByID(id)
	scopesGauge.WithLabelValues("remote").Set(float64(r.remote.count()))
}

// disposeAll is invoked during processor Dispose (§4.11): enumerate and
// dispose every scope, best-effort.
func (r *scopeRegistry) disposeAll() {
	for _, s := range r.local.all() {
		s.Dispose(true)
	}
	for _, s := range r.remote.all() {
		s.Dispose(true)
	}
}

// handleScopeRegistration implements the inbound half of §4.9: the peer
// announced a scope it hosts. If no factory is registered for the type
// yet, the registration is deferred (Open Question #1); otherwise it is
// materialized as a RemoteScope right away so later ScopeEvent/
// ScopeDiscarded messages addressed to its ID resolve immediately, ahead
// of any call that happens to reference it as a parameter.
func (p *Processor) handleScopeRegistration(m Message) {
	sv := m.Scope
	if !sv.IsStored {
		p.StopExceptional(rpcerrors.ErrScopeWouldNotBeStored.GenWithStackByArgs(sv.ID))
		return
	}
	if _, ok := p.scopes.factory(sv.Type); !ok {
		if err := p.scopes.remote.addPending(sv.Type, m); err != nil {
			log.Warn("rpc: dropping scope registration, pending limit reached",
				zap.String("type", sv.Type), zap.Error(err))
		}
		return
	}
	if _, err := p.materializeRemoteScope(&Call{ID: m.ID, Processor: p}, sv, DisposeNever); err != nil {
		log.Warn("rpc: failed to materialize remote scope", zap.Int64("id", sv.ID), zap.Error(err))
	}
}

// handleScopeMessage routes an inbound ScopeEvent/ScopeDiscarded to the
// scope it addresses, trying the local table (the peer raising an event
// against a scope we host) before the remote table (the peer
// discarding a scope it hosts on our behalf). A ScopeEvent carrying
// Waiting is acked with a Response/ErrorResponse, identical to §4.6.
func (p *Processor) handleScopeMessage(m Message) {
	s, ok := p.scopes.local.getByID(m.ScopeID)
	if !ok {
		s, ok = p.scopes.remote.getByID(m.ScopeID)
	}
	if !ok {
		log.Debug("rpc: scope message addressed to unknown scope, dropped", zap.Int64("id", m.ScopeID))
		if m.Kind == KindScopeEvent && m.Waiting {
			_ = p.sendBestEffort(Message{Kind: KindErrorResponse, ID: m.ID,
				Error: rpcerrors.ErrUnknownScopeMessage.GenWithStackByArgs(m.ScopeID).Error()})
		}
		return
	}
	err := s.HandleMessage(m)
	if err != nil {
		log.Warn("rpc: scope message handling failed", zap.Int64("id", m.ScopeID), zap.Error(err))
	}
	if m.Kind != KindScopeEvent || !m.Waiting {
		return
	}
	if err != nil {
		_ = p.sendBestEffort(Message{Kind: KindErrorResponse, ID: m.ID, Error: err.Error()})
		return
	}
	_ = p.sendBestEffort(Message{Kind: KindResponse, ID: m.ID})
}

// ShareLocalScope hosts value as a stored local scope and announces the
// handle to the peer with a ScopeRegistration (§4.9 "Lifecycle events on
// the wire"). key may be empty for an ID-only scope. The returned scope
// stays addressable until Dispose or processor teardown.
func (p *Processor) ShareLocalScope(typeTag string, value interface{}, key string, replaceExisting bool) (*LocalScope, error) {
	if !p.options.UseScopes {
		return nil, rpcerrors.ErrInvalidOptions.GenWithStackByArgs("UseScopes is disabled")
	}
	scope := &LocalScope{baseScope: baseScope{
		id: p.nextScopeID(), key: key, hasKey: key != "", typeTag: typeTag,
		value: value, isStored: true, proc: p,
	}}
	replaced, err := p.scopes.local.insert(scope, replaceExisting)
	if err != nil {
		return nil, err
	}
	if replaced != nil {
		replaced.Dispose(false)
	}
	scopesGauge.WithLabelValues("local").Set(float64(p.scopes.local.count()))

	sv := ScopeValue{
		Type: typeTag, ID: scope.id, Key: key, HasKey: key != "",
		IsStored: true, ReplaceExistingScope: replaceExisting,
	}
	if err := p.enqueueOutgoing(Message{Kind: KindScopeRegistration, Scope: sv}, p.options.Priorities.RPC); err != nil {
		p.scopes.removeLocal(scope.id, key, key != "")
		return nil, err
	}
	return scope, nil
}

// RaiseScopeEvent raises a named event against one scope on the peer
// (§4.9 "Scope-scoped events"): §4.6 semantics, addressed to
// (scope id, event name) on the wire.
func (p *Processor) RaiseScopeEvent(ctx context.Context, scopeID int64, name string, args interface{}, wait bool) error {
	if !wait {
		return p.enqueueOutgoing(Message{Kind: KindScopeEvent, ScopeID: scopeID, EventName: name, Arguments: args}, p.options.Priorities.Event)
	}
	id := p.nextMessageID()
	pr := p.requests.create(id)
	defer p.requests.remove(id)
	if err := p.enqueueOutgoing(Message{Kind: KindScopeEvent, ID: id, ScopeID: scopeID, EventName: name, Arguments: args, Waiting: true}, p.options.Priorities.Event); err != nil {
		pr.fail(err)
		return err
	}
	_, err := pr.await(ctx)
	return err
}
