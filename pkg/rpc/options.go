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
	"time"

	iclock "github.com/pingcap/tirpc/internal/clock"
)

// Transport is the duplex transport a Processor runs over. Close must
// unblock any Read already in flight — as it does for both net.Conn and
// net.Pipe — so the dispose cascade (§4.11) can actually terminate a
// readLoop parked in a blocking read instead of leaving it stuck forever
// once the peer has gone silent.
type Transport interface {
	io.ReadWriter
	io.Closer
}

// QueueConfig is the {capacity, threads} pair shared by the three
// worker-pool-backed queues (§6).
type QueueConfig struct {
	// Capacity is the maximum number of queued-but-unprocessed items.
	Capacity int
	// Threads is the number of worker goroutines draining the queue.
	Threads int
}

func (q QueueConfig) orDefault(capacity, threads int) QueueConfig {
	if q.Capacity <= 0 {
		q.Capacity = capacity
	}
	if q.Threads <= 0 {
		q.Threads = threads
	}
	return q
}

// KeepAliveConfig enables the dual heartbeat (§4.10) when non-nil on Options.
type KeepAliveConfig struct {
	// Timeout is the outbound-silence duration after which a Ping is sent,
	// and the inbound-silence duration (together with PeerTimeout) after
	// which the peer is considered gone.
	Timeout time.Duration
	// PeerTimeout is how long we wait for a Pong after sending a Ping.
	PeerTimeout time.Duration
}

// PriorityConfig assigns the three fixed outgoing-queue priorities (§4.3).
// Higher values are drained first.
type PriorityConfig struct {
	Chunk int
	RPC   int
	Event int
}

// DefaultPriorities matches §4.3's "approximately: chunk data < rpc
// messages < event messages".
var DefaultPriorities = PriorityConfig{Chunk: 0, RPC: 1, Event: 2}

// APIInfo binds an API name to its instance and method descriptor table.
type APIInfo struct {
	// Instance is the object the API's Methods belong to. The processor
	// does not read it and does not pass it to MethodInfo.Invoke.
	Instance interface{}
	Methods  map[string]*MethodInfo
	// AuthorizeAll skips per-method authorization entirely for this API.
	AuthorizeAll bool
	// DisconnectOnError tears the whole link down on any error from any
	// method of this API, rather than returning an ErrorResponse (§4.5
	// Failure policy).
	DisconnectOnError bool
}

// Options configures a Processor (§6). There is no file-format binding
// at this layer — cmd/rpcpeerd loads these from YAML and translates.
type Options struct {
	// --- codec/transport (§6) ---
	Stream            Transport
	MaxMessageLength  int
	SerializerVersion int
	FlushStream       bool
	Codec             Codec

	// RpcVersion is the negotiated peer protocol version used for
	// method-version forwarding (§4.5 step 1).
	RpcVersion int

	// API is the map of API name -> api info.
	API map[string]*APIInfo

	DefaultServices *ServiceLocator

	// DisconnectOnApiError tears the link down on any API error,
	// regardless of per-API DisconnectOnError (§6).
	DisconnectOnApiError bool

	IncomingMessageQueue QueueConfig
	CallQueue            QueueConfig
	RequestQueue         QueueConfig

	// OutgoingMessageQueueCapacity bounds the total number of messages
	// buffered across all three priorities in the outgoing serializer.
	OutgoingMessageQueueCapacity int

	// OutgoingRateLimit, if non-zero, throttles the outgoing serializer
	// loop to at most this many messages/sec (enrichment over §4.3,
	// modeled on the teacher's per-stream rate.Limiter).
	OutgoingRateLimit float64

	KeepAlive  *KeepAliveConfig
	Priorities PriorityConfig

	UseScopes          bool
	ScopeLimit         int
	MaxStreamCount     int
	DefaultCompression Compressor

	// MaxPendingScopeRegistrations bounds the per-scope-type list of
	// ScopeRegistration messages held while no factory is registered yet
	// (Open Question #1, see DESIGN.md).
	MaxPendingScopeRegistrations int

	// MaxContentLength bounds a single stream chunk (§4.7).
	MaxContentLength int
	// InlineStreamThreshold: payloads at or below this size are
	// materialized in-memory instead of registered as a stream (§4.7, §4.8).
	InlineStreamThreshold int

	// HandleCloseMessage: true means inbound Close is graceful, false
	// means it is a protocol violation (§4.2).
	HandleCloseMessage bool

	// WaitUnregisterHandleTimeout bounds how long GracefulUnregister waits
	// before forcing removal of a call-queue/incoming-queue handle.
	WaitUnregisterHandleTimeout time.Duration

	// UnauthorizedHandler is invoked (best-effort, non-fatal by default)
	// whenever an authorization predicate rejects a call (§4.5 step 3).
	UnauthorizedHandler func(ctx *CallContext, err error)

	// DisconnectOnUnauthorized tears the link down instead of merely
	// answering "not authorized", when set.
	DisconnectOnUnauthorized bool

	// Clock is the time source behind the heartbeat loop. Defaults to the
	// real wall clock; tests substitute iclock.NewMock() to drive
	// heartbeat timeouts deterministically without sleeping.
	Clock iclock.Clock
}

func (o *Options) setDefaults() {
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = 64 << 20
	}
	if o.MaxContentLength <= 0 {
		o.MaxContentLength = 1 << 20
	}
	if o.InlineStreamThreshold <= 0 {
		o.InlineStreamThreshold = 32 << 10
	}
	o.IncomingMessageQueue = o.IncomingMessageQueue.orDefault(1024, 4)
	o.CallQueue = o.CallQueue.orDefault(256, 8)
	o.RequestQueue = o.RequestQueue.orDefault(256, 4)
	if o.OutgoingMessageQueueCapacity <= 0 {
		o.OutgoingMessageQueueCapacity = 4096
	}
	if o.Priorities == (PriorityConfig{}) {
		o.Priorities = DefaultPriorities
	}
	if o.ScopeLimit <= 0 {
		o.ScopeLimit = 100000
	}
	if o.MaxStreamCount <= 0 {
		o.MaxStreamCount = 64
	}
	if o.MaxPendingScopeRegistrations <= 0 {
		o.MaxPendingScopeRegistrations = 256
	}
	if o.WaitUnregisterHandleTimeout <= 0 {
		o.WaitUnregisterHandleTimeout = 5 * time.Second
	}
	if o.DefaultServices == nil {
		o.DefaultServices = NewServiceLocator(nil)
	}
	if o.Clock == nil {
		o.Clock = iclock.New()
	}
}
