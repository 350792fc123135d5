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
	"reflect"
	"sync"
	"time"

	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	rpcerrors "github.com/pingcap/tirpc/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// CallContext is the RPC context built for one inbound call (§4.5 step
// 4): the processor, the request, the resolved method, a service
// provider, and the composite cancellation (processor ∨ queue ∨
// per-call).
type CallContext struct {
	Processor *Processor
	Request   *Message
	Method    *MethodInfo
	Services  *ServiceLocator
	Call      *Call

	ctx context.Context
}

// Context returns the composite cancellation for this call.
func (c *CallContext) Context() context.Context { return c.ctx }

// Call is §3's inbound Call record.
type Call struct {
	ID        int64
	Processor *Processor
	Request   Message

	cancel context.CancelFunc
	ctx    context.Context

	WasProcessing atomic.Bool
	DidReturn     atomic.Bool

	mu               sync.Mutex
	remoteScopes     []remoteScopeRef
	plainReturnValue interface{}

	done   chan struct{}
	result interface{}
	err    error
}

// remoteScopeRef pairs a remote scope materialized for one call
// parameter with the ParameterInfo.DisposePolicy that governs it, so
// disposeCallScopes can dispose each one correctly once the call's
// success/failure outcome is known (§4.5 step 5, step 8).
type remoteScopeRef struct {
	scope  *RemoteScope
	policy DisposePolicy
}

func (c *Call) attachRemoteScope(s *RemoteScope, policy DisposePolicy) {
	c.mu.Lock()
	c.remoteScopes = append(c.remoteScopes, remoteScopeRef{scope: s, policy: policy})
	c.mu.Unlock()
}

func (c *Call) complete(result interface{}, err error) {
	c.result, c.err = result, err
	close(c.done)
}

// callRegistry is the processor-wide map of inbound calls in flight
// (§3, §8: "at most one Call with ID i is ever in the call registry").
type callRegistry struct {
	mu    sync.Mutex
	calls map[int64]*Call
}

func newCallRegistry() *callRegistry {
	return &callRegistry{calls: make(map[int64]*Call)}
}

func (r *callRegistry) insert(c *Call) (duplicate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[c.ID]; ok {
		return true
	}
	r.calls[c.ID] = c
	return false
}

func (r *callRegistry) remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, id)
}

func (r *callRegistry) get(id int64) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	return c, ok
}

func (r *callRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// cancel triggers the per-call cancellation of the call with this ID,
// if still in flight (§4.5 "Cancellation").
func (r *callRegistry) cancel(id int64) {
	r.mu.Lock()
	c, ok := r.calls[id]
	r.mu.Unlock()
	if ok && c.cancel != nil {
		c.cancel()
	}
}

// cancelAll cancels every in-flight call, used by the dispose cascade.
func (r *callRegistry) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.cancel != nil {
			c.cancel()
		}
	}
}

// onRequestReceived implements §4.5 "On Request receive": construct
// Call, insert into the registry (duplicate ID -> error response, drop),
// then enqueue into the call queue (full -> error response, drop).
func (p *Processor) onRequestReceived(m Message) {
	callCtx, cancel := context.WithCancel(p.lifecycleCtx())
	c := &Call{
		ID: m.ID, Processor: p, Request: m,
		cancel: cancel, ctx: callCtx, done: make(chan struct{}),
	}
	if dup := p.calls.insert(c); dup {
		cancel()
		log.Warn("rpc: duplicate message ID, dropping second request", zap.Int64("id", m.ID))
		_ = p.sendBestEffort(Message{Kind: KindErrorResponse, ID: m.ID,
			Error: rpcerrors.ErrDuplicateMessageID.GenWithStackByArgs(m.ID).Error()})
		return
	}
	if ok := p.callQueueHandle.TryAddEvent(c); !ok {
		p.calls.remove(c.ID)
		cancel()
		_ = p.sendBestEffort(Message{Kind: KindErrorResponse, ID: m.ID,
			Error: rpcerrors.ErrTooManyRPCRequests.Error()})
		return
	}
	callQueueDepthGauge.Set(float64(p.calls.count()))
}

// runCall is the call-queue worker body (§4.5 steps 1-8).
func (p *Processor) runCall(_ context.Context, event interface{}) error {
	c := event.(*Call)
	defer func() {
		p.calls.remove(c.ID)
		callQueueDepthGauge.Set(float64(p.calls.count()))
	}()

	failpoint.Inject("rpcCallDelay", func(val failpoint.Value) {
		if ms, ok := val.(int); ok {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
	})

	method, result, err := p.executeCall(c)
	c.complete(result, err)
	p.disposeCallScopes(c, method, err != nil)

	if err != nil {
		return p.respondError(c, err)
	}
	return p.respondSuccess(c, result)
}

func (p *Processor) executeCall(c *Call) (*MethodInfo, interface{}, error) {
	apiInfo, method, err := p.resolveMethod(c.Request.API, c.Request.Method, c.Request.PeerVersion)
	if err != nil {
		return nil, nil, err
	}
	if len(c.Request.Parameters) > method.RPCServableParamCount {
		return method, nil, rpcerrors.ErrTooManyParameters.GenWithStackByArgs(method.Name)
	}

	services := p.options.DefaultServices.Child()
	callCtx := &CallContext{Processor: p, Request: &c.Request, Method: method, Services: services, Call: c, ctx: c.ctx}
	services.Register(p)
	services.Register(callCtx)
	services.Register(&c.Request)
	services.Register(method)
	services.RegisterAs((*context.Context)(nil), c.ctx)

	if !(apiInfo.AuthorizeAll || method.AuthorizeAll) {
		for _, auth := range method.Authorizers {
			if !auth(callCtx) {
				authErr := rpcerrors.ErrNotAuthorized.GenWithStackByArgs(method.Name)
				if p.options.UnauthorizedHandler != nil {
					p.options.UnauthorizedHandler(callCtx, authErr)
				}
				if p.options.DisconnectOnUnauthorized {
					return method, nil, authErr
				}
				return method, nil, errRecoverable{authErr}
			}
		}
	}

	args, err := p.resolveParameters(callCtx, method)
	if err != nil {
		return method, nil, errRecoverable{err}
	}

	c.WasProcessing.Store(true)
	result, invokeErr := p.invokeMethod(c.ctx, callCtx, method, args)
	if invokeErr != nil {
		if apiInfo.DisconnectOnError || method.DisconnectOnError || p.options.DisconnectOnApiError {
			return method, nil, invokeErr
		}
		return method, nil, errRecoverable{invokeErr}
	}
	c.DidReturn.Store(true)

	finalResult, err := p.finalizeReturnValue(c, method, result)
	if err != nil {
		if apiInfo.DisconnectOnError || method.DisconnectOnError || p.options.DisconnectOnApiError {
			return method, nil, err
		}
		return method, nil, errRecoverable{err}
	}
	return method, finalResult, nil
}

// disposeCallScopes implements §4.5 step 8 now that the call's outcome
// is known: each parameter-bound remote scope is disposed per its own
// ParameterInfo.DisposePolicy (attached in finalizeParameter), and a
// plain, non-scope-backed return value per method.ReturnDisposePolicy.
// A return value that was itself wrapped as a scope is deliberately left
// alone here — ScopeDisposePolicyOverridesMethod (§9 Open Question #2)
// means its own DisposeValue/DisposeValueOnError flags govern, applied
// when the peer later discards it, not immediately after the call.
func (p *Processor) disposeCallScopes(c *Call, method *MethodInfo, isError bool) {
	c.mu.Lock()
	refs := c.remoteScopes
	c.remoteScopes = nil
	plain := c.plainReturnValue
	c.plainReturnValue = nil
	c.mu.Unlock()

	for _, ref := range refs {
		if ref.policy.WillDispose(isError) {
			ref.scope.Dispose(isError)
		}
	}
	if method != nil && plain != nil && method.ReturnDisposePolicy.WillDispose(isError) {
		disposeValue(plain)
	}
}

func (p *Processor) invokeMethod(ctx context.Context, callCtx *CallContext, method *MethodInfo, args []interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = rpcerrors.ErrInvocationPanicked.GenWithStackByArgs(method.Name, r)
		}
	}()
	return method.Invoke(ctx, callCtx, args)
}

// errRecoverable wraps a CallError that is not fatal: it becomes an
// ErrorResponse instead of tearing the processor down (§4.5 "Failure
// policy"). Errors that may be fatal (DisconnectOnError paths after
// WasProcessing, and authorization rejections under
// DisconnectOnUnauthorized) are left unwrapped so respondError can
// distinguish them.
type errRecoverable struct{ err error }

func (e errRecoverable) Error() string { return e.err.Error() }
func (e errRecoverable) Unwrap() error { return e.err }

// respondError implements the second half of §4.5's Failure policy: an
// unwrapped (non-errRecoverable) error is fatal when the method had
// already started (a disconnect-on-error-marked method/API) or when it
// is an authorization rejection under DisconnectOnUnauthorized;
// everything else, including other failures before WasProcessing,
// becomes an ErrorResponse.
func (p *Processor) respondError(c *Call, err error) error {
	if _, recoverable := err.(errRecoverable); !recoverable &&
		(c.WasProcessing.Load() || rpcerrors.ErrNotAuthorized.Equal(err)) {
		return err // fatal: surfaced to tear the link down
	}
	if c.Request.WantsResponse {
		_ = p.sendBestEffort(Message{Kind: KindErrorResponse, ID: c.ID, Error: err.Error()})
	}
	return nil
}

func (p *Processor) respondSuccess(c *Call, result interface{}) error {
	if c.Request.WantsResponse && c.Request.WantsReturnValue {
		_ = p.sendBestEffort(Message{Kind: KindResponse, ID: c.ID, ReturnValue: result})
	} else if c.Request.WantsResponse {
		_ = p.sendBestEffort(Message{Kind: KindResponse, ID: c.ID})
	}
	return nil
}

// resolveMethod implements §4.5 step 1: API/method lookup, version
// forwarding (memoized), and peer-version compatibility check.
func (p *Processor) resolveMethod(api, name string, peerVersion int) (*APIInfo, *MethodInfo, error) {
	apiInfo, ok := p.options.API[api]
	if !ok {
		return nil, nil, rpcerrors.ErrAPIOrMethodNotFound.GenWithStackByArgs(api + "." + name)
	}
	method, ok := apiInfo.Methods[name]
	if !ok {
		return nil, nil, rpcerrors.ErrAPIOrMethodNotFound.GenWithStackByArgs(api + "." + name)
	}

	cacheKey := forwardCacheKey{api: api, method: name, peerVersion: peerVersion}
	if cached, ok := p.forwardCache.Load(cacheKey); ok {
		method = cached.(*MethodInfo)
	} else {
		resolved, err := resolveForward(apiInfo, method, peerVersion)
		if err != nil {
			return nil, nil, err
		}
		p.forwardCache.Store(cacheKey, resolved)
		method = resolved
	}

	if method.RequiredPeerVersion > 0 && peerVersion < method.RequiredPeerVersion {
		return nil, nil, rpcerrors.ErrVersionIncompatible.GenWithStackByArgs(method.Name)
	}
	return apiInfo, method, nil
}

type forwardCacheKey struct {
	api, method string
	peerVersion int
}

// resolveParameters implements §4.5 step 5: for each declared
// parameter, choose a value from the first applicable source, then
// finalize it (scope materialization + type check).
func (p *Processor) resolveParameters(callCtx *CallContext, method *MethodInfo) ([]interface{}, error) {
	args := make([]interface{}, len(method.Parameters))
	for i, pi := range method.Parameters {
		raw, found, err := p.resolveOneParameter(callCtx, pi)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, rpcerrors.ErrRequiredParamMissing.GenWithStackByArgs(pi.Name)
		}
		final, err := p.finalizeParameter(callCtx, pi, raw)
		if err != nil {
			return nil, err
		}
		args[i] = final
	}
	return args, nil
}

func (p *Processor) resolveOneParameter(callCtx *CallContext, pi *ParameterInfo) (value interface{}, found bool, err error) {
	// (a) RPC-servable positional parameter.
	if pi.RPCServable && pi.Index >= 0 && pi.Index < len(callCtx.Request.Parameters) {
		v := callCtx.Request.Parameters[pi.Index]
		if v == nil && !pi.Nullable {
			return nil, false, rpcerrors.ErrArgumentTypeMismatch.GenWithStackByArgs(pi.Name)
		}
		return v, true, nil
	}
	// (b) local/remote scope key binding.
	if pi.HasScopeKey {
		if s, ok := callCtx.Processor.scopes.local.getByKey(pi.ScopeKey); ok {
			return scopeValueOf(s), true, nil
		}
		if s, ok := callCtx.Processor.scopes.remote.getByKey(pi.ScopeKey); ok {
			return scopeValueOf(s), true, nil
		}
	}
	// (c) DI lookup by parameter type.
	if pi.Type != nil {
		if v, ok := callCtx.Services.Lookup(pi.Type); ok {
			return v, true, nil
		}
	}
	// (d) declared default.
	if pi.HasDefault {
		return pi.Default, true, nil
	}
	// (e) null if nullable.
	if pi.Nullable {
		return nil, true, nil
	}
	return nil, false, nil
}

func scopeValueOf(s Scope) interface{} {
	if bs, ok := s.(interface{ scopeLiveValue() interface{} }); ok {
		return bs.scopeLiveValue()
	}
	return s
}

func (bs *baseScope) scopeLiveValue() interface{} {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.value
}

// finalizeParameter implements §4.5 step 5's "finalize": materialize a
// remote scope for a ScopeValue, then type-check.
func (p *Processor) finalizeParameter(callCtx *CallContext, pi *ParameterInfo, value interface{}) (interface{}, error) {
	if sv, ok := value.(ScopeValue); ok {
		scope, err := p.materializeRemoteScope(callCtx.Call, sv, pi.DisposePolicy)
		if err != nil {
			return nil, err
		}
		value = scope.scopeLiveValue()
		if pi.Type != nil && pi.Type.Kind() != reflect.Invalid && pi.Type == reflect.TypeOf(scope) {
			value = scope
		}
	}
	if sv, ok := value.(StreamValue); ok {
		if sv.HasContent {
			value = sv.Content
		} else {
			reader, err := p.OpenIncomingStream(callCtx.ctx, sv)
			if err != nil {
				return nil, err
			}
			value = reader
		}
	}
	if pi.Type != nil && value != nil {
		vt := reflect.TypeOf(value)
		if !vt.AssignableTo(pi.Type) {
			return nil, rpcerrors.ErrArgumentTypeMismatch.GenWithStackByArgs(pi.Name)
		}
	}
	return value, nil
}

// materializeRemoteScope instantiates a remote scope via the registered
// factory for sv's type tag, registers it, and attaches it to the call
// under policy so disposeCallScopes can dispose it once the call
// finishes (§4.5 step 5). Callers that materialize a scope outside of a
// real in-flight call (handleScopeRegistration, the client-side return
// path in reifyReturnValue) pass DisposeNever: the scope's lifetime
// there is governed entirely by its own ScopeDiscarded protocol, not
// call-cleanup.
func (p *Processor) materializeRemoteScope(c *Call, sv ScopeValue, policy DisposePolicy) (*RemoteScope, error) {
	if !p.options.UseScopes {
		return nil, rpcerrors.ErrProtocolViolation.GenWithStackByArgs("scope value received but UseScopes is disabled")
	}
	factory, ok := p.scopes.factory(sv.Type)
	if !ok {
		if err := p.scopes.remote.addPending(sv.Type, Message{Kind: KindScopeRegistration, Scope: sv}); err != nil {
			return nil, err
		}
		return nil, rpcerrors.ErrUnknownScopeType.GenWithStackByArgs(sv.Type)
	}
	liveValue, err := factory.NewRemote(sv)
	if err != nil {
		return nil, err
	}
	scope := &RemoteScope{
		baseScope: baseScope{
			id: sv.ID, key: sv.Key, hasKey: sv.HasKey, typeTag: sv.Type,
			value: liveValue, isStored: sv.IsStored,
			disposeValue: sv.DisposeValue, disposeValueOnError: sv.DisposeValueOnError,
			proc: p,
		},
		informMasterWhenDisposing: sv.InformMasterOnDispose,
	}
	if sv.IsStored {
		if replaced, err := p.scopes.remote.insert(scope, sv.ReplaceExistingScope); err != nil {
			return nil, err
		} else if replaced != nil {
			replaced.Dispose(false)
		}
		scopesGauge.WithLabelValues("remote").Set(float64(p.scopes.remote.count()))
	}
	c.attachRemoteScope(scope, policy)
	return scope, nil
}

// finalizeReturnValue implements §4.5 step 7. Scope/stream results are
// converted to their wire representation; a plain result is recorded for
// disposeCallScopes to apply method.ReturnDisposePolicy to once the call
// has fully completed (§4.5 step 8).
func (p *Processor) finalizeReturnValue(c *Call, method *MethodInfo, result interface{}) (interface{}, error) {
	if sv, ok := result.(ScopeValue); ok {
		return sv, nil
	}
	if s, ok := result.(Scope); ok {
		return scopeValueFromScope(s), nil
	}
	if st, ok := result.(Stream); ok {
		return p.finalizeStreamReturn(st)
	}
	if factory, ok := p.scopes.factory(typeTagOf(result)); ok {
		sv, err := factory.NewLocal(result)
		if err != nil {
			return nil, err
		}
		// ScopeDisposePolicyOverridesMethod (§9 Open Question #2): once a
		// return value is scope-backed, the scope's own
		// DisposeValue/DisposeValueOnError flags govern its disposal when
		// the peer later discards it, not method.ReturnDisposePolicy.
		scope, err := p.newLocalScopeFromValue(sv, result)
		if err != nil {
			return nil, err
		}
		sv.ID = scope.ID()
		return sv, nil
	}
	if method.ReturnDisposePolicy != DisposeNever {
		c.mu.Lock()
		c.plainReturnValue = result
		c.mu.Unlock()
	}
	return result, nil
}

// finalizeStreamReturn implements §4.7/§4.8's "small enough to fit
// inline" path: a declared-length source at or below
// InlineStreamThreshold is read fully into memory and returned as
// inline Content, bypassing stream registration entirely; everything
// else is registered as an outgoing stream.
func (p *Processor) finalizeStreamReturn(st Stream) (StreamValue, error) {
	if st.HasLength && st.Length <= int64(p.options.InlineStreamThreshold) {
		buf := make([]byte, st.Length)
		if _, err := io.ReadFull(st.Source, buf); err != nil {
			return StreamValue{}, err
		}
		if c, ok := st.Source.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		return StreamValue{HasContent: true, Content: buf, Length: st.Length, HasLength: true}, nil
	}
	return p.newOutgoingStream(st)
}

func typeTagOf(v interface{}) string {
	if v == nil {
		return ""
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.PkgPath() + "." + t.Name()
}

func scopeValueFromScope(s Scope) ScopeValue {
	key, hasKey := s.Key()
	return ScopeValue{Type: s.TypeTag(), ID: s.ID(), Key: key, HasKey: hasKey, IsStored: s.IsStored()}
}

// newLocalScopeFromValue registers a freshly materialized local scope
// (§4.5 step 7, return-value path) using the processor's scope ID
// counter.
func (p *Processor) newLocalScopeFromValue(sv ScopeValue, value interface{}) (*LocalScope, error) {
	id := p.nextScopeID()
	scope := &LocalScope{baseScope: baseScope{
		id: id, key: sv.Key, hasKey: sv.HasKey, typeTag: sv.Type,
		value: value, isStored: sv.IsStored,
		disposeValue: sv.DisposeValue, disposeValueOnError: sv.DisposeValueOnError,
		proc: p,
	}}
	if sv.IsStored {
		if _, err := p.scopes.local.insert(scope, sv.ReplaceExistingScope); err != nil {
			return nil, err
		}
		scopesGauge.WithLabelValues("local").Set(float64(p.scopes.local.count()))
	}
	return scope, nil
}
