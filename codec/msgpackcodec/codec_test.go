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

package msgpackcodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tirpc/pkg/rpc"
)

func roundTrip(t *testing.T, c *Codec, m rpc.Message) rpc.Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, c.WriteMessage(&buf, m))
	got, err := c.ReadMessage(&buf)
	require.NoError(t, err)
	return got
}

func TestCodecRoundTripRequest(t *testing.T) {
	c := New(0)
	m := rpc.Message{
		Kind: rpc.KindRequest, ID: 42, PeerVersion: 3,
		API: "demo", Method: "Echo",
		Parameters:       []interface{}{"hello", int64(7)},
		WantsReturnValue: true, WantsResponse: true,
	}
	got := roundTrip(t, c, m)
	require.Equal(t, m.Kind, got.Kind)
	require.Equal(t, m.ID, got.ID)
	require.Equal(t, m.API, got.API)
	require.Equal(t, m.Method, got.Method)
	require.Equal(t, "hello", got.Parameters[0])
	require.True(t, got.WantsReturnValue)
}

func TestCodecRoundTripResponsePlainValue(t *testing.T) {
	c := New(0)
	m := rpc.Message{Kind: rpc.KindResponse, ID: 9, ReturnValue: "a plain string"}
	got := roundTrip(t, c, m)
	require.Equal(t, "a plain string", got.ReturnValue)
}

// TestCodecRoundTripStreamValueReturnValue guards the wireValue
// discriminator: ReturnValue holding a StreamValue must decode back as
// an rpc.StreamValue, not a generic map, so callers can type-assert it.
func TestCodecRoundTripStreamValueReturnValue(t *testing.T) {
	c := New(0)
	sv := rpc.StreamValue{StreamID: 77, HasStream: true, Length: 1024, HasLength: true, Compression: "zstd"}
	m := rpc.Message{Kind: rpc.KindResponse, ID: 9, ReturnValue: sv}
	got := roundTrip(t, c, m)

	decoded, ok := got.ReturnValue.(rpc.StreamValue)
	require.True(t, ok, "expected rpc.StreamValue, got %T", got.ReturnValue)
	require.Equal(t, sv, decoded)
}

// TestCodecRoundTripScopeValueParameter guards the same discriminator
// for a ScopeValue embedded as a positional request parameter.
func TestCodecRoundTripScopeValueParameter(t *testing.T) {
	c := New(0)
	scope := rpc.ScopeValue{Type: "widget.Counter", ID: 5, Key: "k", HasKey: true, IsStored: true}
	m := rpc.Message{
		Kind: rpc.KindRequest, ID: 1, API: "demo", Method: "Use",
		Parameters: []interface{}{scope, "plain-sibling-arg"},
	}
	got := roundTrip(t, c, m)

	decoded, ok := got.Parameters[0].(rpc.ScopeValue)
	require.True(t, ok, "expected rpc.ScopeValue, got %T", got.Parameters[0])
	require.Equal(t, scope, decoded)
	require.Equal(t, "plain-sibling-arg", got.Parameters[1])
}

func TestCodecRoundTripEventArguments(t *testing.T) {
	c := New(0)
	m := rpc.Message{Kind: rpc.KindEvent, EventName: "greeting", Arguments: "hi there", Waiting: true}
	got := roundTrip(t, c, m)
	require.Equal(t, "hi there", got.Arguments)
	require.True(t, got.Waiting)
}

func TestCodecEnforcesMaxMessageLengthOnWrite(t *testing.T) {
	c := New(16)
	m := rpc.Message{
		Kind: rpc.KindRequest, API: "demo", Method: "Echo",
		Parameters: []interface{}{string(make([]byte, 256))},
	}
	var buf bytes.Buffer
	err := c.WriteMessage(&buf, m)
	require.Error(t, err)
}

func TestCodecEnforcesMaxMessageLengthOnRead(t *testing.T) {
	// Write with no limit, then read back through a codec with a tiny limit.
	writer := New(0)
	var buf bytes.Buffer
	require.NoError(t, writer.WriteMessage(&buf, rpc.Message{
		Kind: rpc.KindRequest, API: "demo", Method: "Echo",
		Parameters: []interface{}{string(make([]byte, 256))},
	}))

	reader := New(16)
	_, err := reader.ReadMessage(&buf)
	require.Error(t, err)
}

func TestCodecReadMessageMalformedBody(t *testing.T) {
	c := New(0)
	var buf bytes.Buffer
	// Valid length prefix, but the body is not valid msgpack for wireRecord.
	buf.Write([]byte{0, 0, 0, 3})
	buf.Write([]byte{0xff, 0xff, 0xff})
	_, err := c.ReadMessage(&buf)
	require.Error(t, err)
}
