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
	"io"
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServiceLocatorLookup(t *testing.T) {
	root := NewServiceLocator([]interface{}{"a string service"})
	v, ok := root.Lookup(reflect.TypeOf(""))
	require.True(t, ok)
	require.Equal(t, "a string service", v)

	_, ok = root.Lookup(reflect.TypeOf(0))
	require.False(t, ok)
}

func TestServiceLocatorRegisterAs(t *testing.T) {
	root := NewServiceLocator(nil)
	var w io.Writer = io.Discard
	root.RegisterAs((*io.Writer)(nil), w)

	v, ok := root.Lookup(reflect.TypeOf((*io.Writer)(nil)).Elem())
	require.True(t, ok)
	require.Equal(t, w, v)
}

func TestServiceLocatorChildIsolation(t *testing.T) {
	root := NewServiceLocator([]interface{}{"root value"})
	child := root.Child()
	child.Register(42)

	// Child inherits the root's entries.
	v, ok := child.Lookup(reflect.TypeOf(""))
	require.True(t, ok)
	require.Equal(t, "root value", v)

	// But registrations on the child never leak back into the root.
	_, ok = root.Lookup(reflect.TypeOf(0))
	require.False(t, ok)

	v, ok = child.Lookup(reflect.TypeOf(0))
	require.True(t, ok)
	require.Equal(t, 42, v)
}
