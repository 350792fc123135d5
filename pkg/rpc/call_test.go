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
	"testing"

	"github.com/stretchr/testify/require"
)

type closeTracker struct{ closed bool }

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func newTestRemoteScope(id int64, value interface{}, disposeValue, disposeValueOnError bool, proc *Processor) *RemoteScope {
	return &RemoteScope{baseScope: baseScope{
		id: id, value: value, proc: proc,
		disposeValue: disposeValue, disposeValueOnError: disposeValueOnError,
	}}
}

// TestDisposeCallScopesAppliesParameterPolicy covers §4.5 step 8 and the
// ScopeDisposePolicyOverridesMethod resolution of §9 Open Question #2:
// each parameter-bound remote scope is disposed according to its own
// ParameterInfo.DisposePolicy once the call's outcome is known, and
// disposal only actually closes the held value when the scope's own
// DisposeValue/DisposeValueOnError flags say so.
func TestDisposeCallScopesAppliesParameterPolicy(t *testing.T) {
	p := &Processor{scopes: newScopeRegistry(100, 10)}

	always := &closeTracker{}
	onErrorOnly := &closeTracker{}
	never := &closeTracker{}

	c := &Call{}
	c.attachRemoteScope(newTestRemoteScope(1, always, true, false, p), DisposeAlways)
	c.attachRemoteScope(newTestRemoteScope(2, onErrorOnly, false, true, p), DisposeAlways)
	c.attachRemoteScope(newTestRemoteScope(3, never, true, false, p), DisposeNever)

	p.disposeCallScopes(c, nil, false)

	require.True(t, always.closed, "DisposeAlways parameter must be disposed on success")
	require.False(t, onErrorOnly.closed, "DisposeOnError-backed value must not close on success")
	require.False(t, never.closed, "DisposeNever parameter must never be disposed by the call")
	require.Empty(t, c.remoteScopes, "remoteScopes must be drained after disposal")
}

func TestDisposeCallScopesOnErrorAppliesDisposeOnErrorFlag(t *testing.T) {
	p := &Processor{scopes: newScopeRegistry(100, 10)}
	tracked := &closeTracker{}

	c := &Call{}
	c.attachRemoteScope(newTestRemoteScope(1, tracked, false, true, p), DisposeAlways)

	p.disposeCallScopes(c, nil, true)
	require.True(t, tracked.closed, "DisposeValueOnError scope must close once the call errors")
}

// TestDisposeCallScopesDisposesPlainReturnValue covers the
// non-scope-backed half of §4.5 step 8: a plain return value with a
// non-DisposeNever ReturnDisposePolicy is disposed once the call
// finishes, since finalizeReturnValue never wraps it in a scope.
func TestDisposeCallScopesDisposesPlainReturnValue(t *testing.T) {
	tracked := &closeTracker{}
	c := &Call{plainReturnValue: tracked}
	method := &MethodInfo{ReturnDisposePolicy: DisposeAlways}

	p := &Processor{scopes: newScopeRegistry(100, 10)}
	p.disposeCallScopes(c, method, false)

	require.True(t, tracked.closed)
}

func TestDisposeCallScopesLeavesReturnDisposeNeverAlone(t *testing.T) {
	tracked := &closeTracker{}
	c := &Call{plainReturnValue: tracked}
	method := &MethodInfo{ReturnDisposePolicy: DisposeNever}

	p := &Processor{scopes: newScopeRegistry(100, 10)}
	p.disposeCallScopes(c, method, false)

	require.False(t, tracked.closed)
}

func TestScopeDisposePolicyOverridesMethodIsTrue(t *testing.T) {
	require.True(t, ScopeDisposePolicyOverridesMethod,
		"a scope-backed return value must dispose per its own flags, not method.ReturnDisposePolicy")
}
