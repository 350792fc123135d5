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
	"reflect"

	rpcerrors "github.com/pingcap/tirpc/pkg/errors"
)

// Authorizer is one authorization predicate run, in declaration order,
// against a call's context (§4.5 step 3). The first predicate to return
// false rejects the call.
type Authorizer func(ctx *CallContext) bool

// VersionForward redirects a call to a newer method name when the
// peer's protocol version predates BelowPeerVersion (§4.5 step 1, §9
// "Version forwarding").
type VersionForward struct {
	BelowPeerVersion int
	ForwardTo        string
}

// ParameterInfo describes one declared method parameter and how to
// resolve it (§4.5 step 5): RPC-servable positional argument, scope-key
// binding, DI lookup, declared default, or null.
type ParameterInfo struct {
	Name string
	Type reflect.Type

	// RPCServable: this parameter may be filled from request.Parameters[Index].
	RPCServable bool
	Index       int

	// ScopeKey: this parameter is bound to a local/remote scope by key.
	HasScopeKey bool
	ScopeKey    string

	Nullable   bool
	HasDefault bool
	Default    interface{}

	// DisposePolicy governs whether the finalized argument value (when
	// it is scope- or stream-backed) is disposed after the call.
	DisposePolicy DisposePolicy
}

// MethodInfo is the pre-baked descriptor for one RPC-servable method
// (§9: "either pre-baked descriptor tables (preferred in systems
// languages) or generated stubs; the spec does not require reflection").
// Invoke is supplied by the embedder (hand-written or code-generated);
// no reflection is used to call it.
type MethodInfo struct {
	Name string

	Parameters []*ParameterInfo
	// RPCServableParamCount bounds the arity check (§4.5 step 2):
	// provided parameter count must not exceed this.
	RPCServableParamCount int

	AuthorizeAll bool
	Authorizers  []Authorizer

	// DisconnectOnError: failures of this method are fatal (§4.5
	// Failure policy) instead of becoming an ErrorResponse.
	DisconnectOnError bool

	// RequiredPeerVersion: calls from a peer whose PeerVersion is lower
	// are rejected with ErrVersionIncompatible.
	RequiredPeerVersion int
	Forwards            []VersionForward

	ReturnDisposePolicy DisposePolicy

	// Invoke runs the method body. ctx carries the composite
	// cancellation (§4.5 step 6); params is positionally aligned with
	// Parameters, already resolved and type-checked. The returned value
	// is finalized per §4.5 step 7.
	Invoke func(ctx context.Context, callCtx *CallContext, params []interface{}) (interface{}, error)
}

// ScopeDisposePolicyOverridesMethod resolves spec.md §9's Open Question
// on dispose-policy conflict: when a return value is scope-backed, the
// scope's own disposal flags win over the method's ReturnDisposePolicy,
// because only the scope instance knows whether it is still reachable
// from other in-flight calls. See DESIGN.md.
const ScopeDisposePolicyOverridesMethod = true

// resolveForward follows a method's version-forwarding chain (§4.5 step
// 1), detecting cycles by a seen-set and failing on an unknown target.
func resolveForward(apiInfo *APIInfo, start *MethodInfo, peerVersion int) (*MethodInfo, error) {
	seen := map[string]bool{start.Name: true}
	cur := start
	for {
		var next string
		forwarded := false
		for _, f := range cur.Forwards {
			if peerVersion < f.BelowPeerVersion {
				next = f.ForwardTo
				forwarded = true
				break
			}
		}
		if !forwarded {
			return cur, nil
		}
		if seen[next] {
			return nil, rpcerrors.ErrForwardCycle.GenWithStackByArgs(start.Name)
		}
		target, ok := apiInfo.Methods[next]
		if !ok {
			return nil, rpcerrors.ErrForwardTargetNotFound.GenWithStackByArgs(next)
		}
		seen[next] = true
		cur = target
	}
}
