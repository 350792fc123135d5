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

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the naming/label convention of tiflow's pkg/p2p
// server metrics (serverMessageCount, serverAckCount, ...), generalized
// from "peer messaging" labels to "processor" labels. The collectors are
// package-level, shared by every Processor in the binary, and registered
// once with the default Prometheus registerer in init.
var (
	messagesSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rpc",
		Subsystem: "processor",
		Name:      "messages_sent_total",
		Help:      "Number of messages written to the outgoing stream, by kind.",
	}, []string{"kind"})

	messagesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rpc",
		Subsystem: "processor",
		Name:      "messages_received_total",
		Help:      "Number of messages read from the incoming stream, by kind.",
	}, []string{"kind"})

	pendingRequestsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rpc",
		Subsystem: "processor",
		Name:      "pending_requests",
		Help:      "Current number of outbound requests awaiting a response.",
	})

	callQueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "rpc",
		Subsystem: "processor",
		Name:      "call_queue_depth",
		Help:      "Current number of inbound calls queued for execution.",
	})

	scopesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rpc",
		Subsystem: "processor",
		Name:      "scopes",
		Help:      "Current number of registered scopes, by direction (local/remote).",
	}, []string{"direction"})

	streamsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rpc",
		Subsystem: "processor",
		Name:      "streams",
		Help:      "Current number of registered streams, by direction (incoming/outgoing).",
	}, []string{"direction"})

	streamBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rpc",
		Subsystem: "processor",
		Name:      "stream_bytes_total",
		Help:      "Bytes transferred through stream chunks, by direction.",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(
		messagesSentTotal,
		messagesReceivedTotal,
		pendingRequestsGauge,
		callQueueDepthGauge,
		scopesGauge,
		streamsGauge,
		streamBytesTotal,
	)
}
