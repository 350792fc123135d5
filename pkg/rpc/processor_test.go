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

package rpc_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pingcap/tirpc/codec/msgpackcodec"
	"github.com/pingcap/tirpc/pkg/rpc"
)

// pipePair builds two Processors whose Streams are opposite ends of a
// net.Pipe, sharing the same API table so either side can call the
// other (§3 "peer-symmetric").
func pipePair(t *testing.T, api map[string]*rpc.APIInfo) (client, server *rpc.Processor, stop func()) {
	return pipePairOptions(t, api, nil)
}

// pipePairOptions is pipePair with a hook to adjust both sides' Options
// before construction.
func pipePairOptions(t *testing.T, api map[string]*rpc.APIInfo, mutate func(*rpc.Options)) (client, server *rpc.Processor, stop func()) {
	t.Helper()
	a, b := net.Pipe()

	newProc := func(conn net.Conn) *rpc.Processor {
		opts := rpc.Options{
			Stream: conn,
			Codec:  msgpackcodec.New(0),
			API:    api,
		}
		if mutate != nil {
			mutate(&opts)
		}
		p, err := rpc.New(opts)
		require.NoError(t, err)
		return p
	}
	client = newProc(a)
	server = newProc(b)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = client.Run(ctx) }()
	go func() { defer wg.Done(); _ = server.Run(ctx) }()

	return client, server, func() {
		cancel()
		_ = a.Close()
		_ = b.Close()
		wg.Wait()
	}
}

func echoAPI() map[string]*rpc.APIInfo {
	return map[string]*rpc.APIInfo{
		"demo": {
			AuthorizeAll: true,
			Methods: map[string]*rpc.MethodInfo{
				"Echo": {
					Name: "Echo",
					Parameters: []*rpc.ParameterInfo{
						{Name: "message", Type: reflect.TypeOf(""), RPCServable: true, Index: 0},
					},
					RPCServableParamCount: 1,
					Invoke: func(_ context.Context, _ *rpc.CallContext, params []interface{}) (interface{}, error) {
						return params[0], nil
					},
				},
			},
		},
	}
}

func TestSendRequestRoundTrip(t *testing.T) {
	client, _, stop := pipePair(t, echoAPI())
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := client.SendRequest(ctx, "demo", "Echo", []interface{}{"hello"}, true, 0)
	require.NoError(t, err)
	require.Equal(t, "hello", result)
}

func TestSendRequestAPIOrMethodNotFound(t *testing.T) {
	client, _, stop := pipePair(t, echoAPI())
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.SendRequest(ctx, "demo", "NoSuchMethod", nil, true, 0)
	require.Error(t, err)
}

func TestSendVoidRequest(t *testing.T) {
	api := map[string]*rpc.APIInfo{
		"demo": {
			AuthorizeAll: true,
			Methods: map[string]*rpc.MethodInfo{
				"Noop": {
					Name: "Noop",
					Invoke: func(context.Context, *rpc.CallContext, []interface{}) (interface{}, error) {
						return nil, nil
					},
				},
			},
		},
	}
	client, _, stop := pipePair(t, api)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.SendVoidRequest(ctx, "demo", "Noop", nil, 0))
}

func TestRaiseEventWaited(t *testing.T) {
	client, server, stop := pipePair(t, nil)
	defer stop()

	got := make(chan string, 1)
	server.RegisterEvent(&rpc.EventHandler{
		Name: "greeting",
		Handle: func(args interface{}) error {
			s, _ := args.(string)
			got <- s
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.RaiseEvent(ctx, "greeting", "hi there", true))

	select {
	case s := <-got:
		require.Equal(t, "hi there", s)
	case <-time.After(2 * time.Second):
		t.Fatal("event handler was never invoked")
	}
}

func TestStreamReturnValueRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 10000) // 100000 bytes, above InlineStreamThreshold

	api := map[string]*rpc.APIInfo{
		"demo": {
			AuthorizeAll: true,
			Methods: map[string]*rpc.MethodInfo{
				"Download": {
					Name: "Download",
					Invoke: func(context.Context, *rpc.CallContext, []interface{}) (interface{}, error) {
						return rpc.Stream{
							Source:    bytes.NewReader(payload),
							Length:    int64(len(payload)),
							HasLength: true,
						}, nil
					},
				},
			},
		},
	}
	client, _, stop := pipePair(t, api)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := client.SendRequest(ctx, "demo", "Download", nil, true, 0)
	require.NoError(t, err)

	reader, ok := result.(io.Reader)
	require.True(t, ok, "expected an io.Reader, got %T", result)
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// TestDuplicateMessageID drives the server with a raw codec so two
// Requests can share an ID: the first is answered normally, the second
// draws an immediate ErrorResponse and is never enqueued.
func TestDuplicateMessageID(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	release := make(chan struct{})
	api := map[string]*rpc.APIInfo{
		"demo": {
			AuthorizeAll: true,
			Methods: map[string]*rpc.MethodInfo{
				"Block": {
					Name: "Block",
					Invoke: func(context.Context, *rpc.CallContext, []interface{}) (interface{}, error) {
						<-release
						return "done", nil
					},
				},
			},
		},
	}
	server, err := rpc.New(rpc.Options{Stream: b, Codec: msgpackcodec.New(0), API: api})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() { defer close(runDone); _ = server.Run(ctx) }()
	defer func() {
		cancel()
		_ = b.Close()
		<-runDone
	}()

	c := msgpackcodec.New(0)
	req := rpc.Message{
		Kind: rpc.KindRequest, ID: 7, API: "demo", Method: "Block",
		WantsReturnValue: true, WantsResponse: true,
	}
	require.NoError(t, c.WriteMessage(a, req))
	require.NoError(t, c.WriteMessage(a, req))

	// The duplicate is rejected while the surviving call is still blocked.
	m, err := c.ReadMessage(a)
	require.NoError(t, err)
	require.Equal(t, rpc.KindErrorResponse, m.Kind)
	require.Equal(t, int64(7), m.ID)

	close(release)
	m, err = c.ReadMessage(a)
	require.NoError(t, err)
	require.Equal(t, rpc.KindResponse, m.Kind)
	require.Equal(t, "done", m.ReturnValue)
}

// TestCallQueueCapacity pins the call queue to one running call plus one
// queued call: a third concurrent request must be answered with
// too-many-RPC-requests without ever being enqueued.
func TestCallQueueCapacity(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	api := map[string]*rpc.APIInfo{
		"demo": {
			AuthorizeAll: true,
			Methods: map[string]*rpc.MethodInfo{
				"Slow": {
					Name: "Slow",
					Invoke: func(context.Context, *rpc.CallContext, []interface{}) (interface{}, error) {
						close(started)
						<-release
						return "slow", nil
					},
				},
				"Fast": {
					Name: "Fast",
					Invoke: func(context.Context, *rpc.CallContext, []interface{}) (interface{}, error) {
						<-release
						return "fast", nil
					},
				},
			},
		},
	}
	client, _, stop := pipePairOptions(t, api, func(o *rpc.Options) {
		o.CallQueue = rpc.QueueConfig{Capacity: 1, Threads: 1}
	})
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slowErr := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(ctx, "demo", "Slow", nil, true, 0)
		slowErr <- err
	}()
	<-started

	queuedErr := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(ctx, "demo", "Fast", nil, true, 0)
		queuedErr <- err
	}()
	time.Sleep(300 * time.Millisecond) // let Fast reach the call queue's single free slot

	_, err := client.SendRequest(ctx, "demo", "Fast", nil, true, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "too many RPC requests")

	close(release)
	require.NoError(t, <-slowErr)
	require.NoError(t, <-queuedErr)
}

type pingCounter struct{ pings int }

type counterScopeFactory struct{}

func (counterScopeFactory) NewRemote(rpc.ScopeValue) (interface{}, error) {
	return &pingCounter{}, nil
}

func (counterScopeFactory) NewLocal(interface{}) (rpc.ScopeValue, error) {
	return rpc.ScopeValue{Type: "counter", IsStored: true}, nil
}

// TestScopeRegistrationAndScopeEvent exercises §4.9 end to end: the
// server shares a keyed local scope, the client materializes a remote
// handle for it (through the deferred-registration path, since the
// factory is registered after the wire message may already have
// arrived), and a waited scope event raised by the client is handled by
// the server's scope-level handler.
func TestScopeRegistrationAndScopeEvent(t *testing.T) {
	client, server, stop := pipePairOptions(t, nil, func(o *rpc.Options) {
		o.UseScopes = true
	})
	defer stop()

	pinged := make(chan struct{}, 1)
	scope, err := server.ShareLocalScope("counter", &pingCounter{}, "main-counter", false)
	require.NoError(t, err)

	scope.RegisterScopeEvent("ping", func(interface{}) error {
		pinged <- struct{}{}
		return nil
	})
	client.RegisterScopeFactory("counter", counterScopeFactory{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.RaiseScopeEvent(ctx, scope.ID(), "ping", nil, true))

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("scope event handler was never invoked")
	}

	// Discarding the scope removes it from the server's table, so later
	// waited events fail with an unknown-scope error.
	scope.Dispose(false)
	require.Eventually(t, func() bool {
		return client.RaiseScopeEvent(ctx, scope.ID(), "ping", nil, true) != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCallCanceledByCallerContext(t *testing.T) {
	started := make(chan struct{})
	api := map[string]*rpc.APIInfo{
		"demo": {
			AuthorizeAll: true,
			Methods: map[string]*rpc.MethodInfo{
				"Block": {
					Name: "Block",
					Invoke: func(ctx context.Context, _ *rpc.CallContext, _ []interface{}) (interface{}, error) {
						close(started)
						<-ctx.Done()
						return nil, ctx.Err()
					},
				},
			},
		},
	}
	client, _, stop := pipePair(t, api)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.SendRequest(ctx, "demo", "Block", nil, true, 0)
	require.Error(t, err)
	<-started
}
