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

func newTestLocalScope(id int64, key string, hasKey bool) *LocalScope {
	return &LocalScope{baseScope: baseScope{id: id, key: key, hasKey: hasKey, value: id}}
}

func TestScopeTableInsertConflict(t *testing.T) {
	tbl := newScopeTable(100, 10)
	s1 := newTestLocalScope(1, "k", true)
	s2 := newTestLocalScope(2, "k", true)

	_, err := tbl.insert(s1, false)
	require.NoError(t, err)

	_, err = tbl.insert(s2, false)
	require.Error(t, err, "inserting a second scope under the same key without replaceExisting must conflict")
}

func TestScopeTableInsertReplace(t *testing.T) {
	tbl := newScopeTable(100, 10)
	s1 := newTestLocalScope(1, "k", true)
	s2 := newTestLocalScope(2, "k", true)

	_, err := tbl.insert(s1, false)
	require.NoError(t, err)

	replaced, err := tbl.insert(s2, true)
	require.NoError(t, err)
	require.Equal(t, s1, replaced)

	got, ok := tbl.getByKey("k")
	require.True(t, ok)
	require.Equal(t, s2, got)

	// The replaced scope's own ID entry is gone, but the new one's remains.
	_, ok = tbl.getByID(1)
	require.False(t, ok)
	_, ok = tbl.getByID(2)
	require.True(t, ok)
}

func TestScopeTableRemoveByIDClearsKey(t *testing.T) {
	tbl := newScopeTable(100, 10)
	s := newTestLocalScope(1, "k", true)
	_, err := tbl.insert(s, false)
	require.NoError(t, err)

	tbl.removeByID(1)
	_, ok := tbl.getByKey("k")
	require.False(t, ok)
	_, ok = tbl.getByID(1)
	require.False(t, ok)
}

func TestScopeTablePendingRegistrationsReplay(t *testing.T) {
	tbl := newScopeTable(100, 2)
	require.NoError(t, tbl.addPending("widget", Message{Kind: KindScopeRegistration}))
	require.NoError(t, tbl.addPending("widget", Message{Kind: KindScopeRegistration}))
	require.Error(t, tbl.addPending("widget", Message{Kind: KindScopeRegistration}), "third pending registration exceeds maxPending")

	drained := tbl.drainPending("widget")
	require.Len(t, drained, 2)
	require.Empty(t, tbl.drainPending("widget"))
}

func TestScopeTableLimit(t *testing.T) {
	tbl := newScopeTable(2, 10)
	_, err := tbl.insert(newTestLocalScope(1, "", false), false)
	require.NoError(t, err)
	_, err = tbl.insert(newTestLocalScope(2, "", false), false)
	require.NoError(t, err)

	_, err = tbl.insert(newTestLocalScope(3, "", false), false)
	require.Error(t, err, "third insert must hit the scope limit")
}

func TestDisposePolicyWillDispose(t *testing.T) {
	require.False(t, DisposeNever.WillDispose(false))
	require.False(t, DisposeNever.WillDispose(true))
	require.True(t, DisposeAlways.WillDispose(false))
	require.True(t, DisposeAlways.WillDispose(true))
	require.True(t, DisposeOnSuccess.WillDispose(false))
	require.False(t, DisposeOnSuccess.WillDispose(true))
	require.False(t, DisposeOnError.WillDispose(false))
	require.True(t, DisposeOnError.WillDispose(true))
}
