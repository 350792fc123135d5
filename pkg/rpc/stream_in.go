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
	"sync"

	"github.com/pingcap/log"
	rpcerrors "github.com/pingcap/tirpc/pkg/errors"
	"go.uber.org/zap"
)

// streamChunk is one item delivered to an incomingStream's consumer.
type streamChunk struct {
	data []byte
	last bool
	err  error
}

// incomingStream is a stream the peer hosts (§4.7): our view of data the
// peer is pushing to us, one chunk buffered at a time to match the
// one-chunk-in-flight protocol (the peer never sends chunk N+1 before
// we ack chunk N, so a buffer of one is always sufficient).
type incomingStream struct {
	id int64
	ch chan streamChunk
}

func newIncomingStream(id int64) *incomingStream {
	return &incomingStream{id: id, ch: make(chan streamChunk, 1)}
}

// deliver pushes a freshly received chunk. A full channel means the peer
// sent a second chunk before we acked the first: a protocol violation.
func (s *incomingStream) deliver(data []byte, last bool) error {
	select {
	case s.ch <- streamChunk{data: data, last: last}:
		return nil
	default:
		return rpcerrors.ErrStreamProtocolViolated.GenWithStackByArgs(s.id)
	}
}

// closeWithError terminates the consumer side: a nil err reads as a
// clean EOF, a non-nil err is surfaced from the next Read (§4.7 "Remote
// close").
func (s *incomingStream) closeWithError(err error) {
	select {
	case s.ch <- streamChunk{last: true, err: err}:
	default:
	}
}

// streamRegistry is the processor-wide pair of incoming/outgoing stream
// tables (§4.7, §4.8), bounded by MaxStreamCount per direction.
type streamRegistry struct {
	mu       sync.Mutex
	incoming map[int64]*incomingStream
	outgoing map[int64]*outgoingStream
	maxCount int
}

func newStreamRegistry(maxCount int) *streamRegistry {
	return &streamRegistry{
		incoming: make(map[int64]*incomingStream),
		outgoing: make(map[int64]*outgoingStream),
		maxCount: maxCount,
	}
}

func (r *streamRegistry) addIncoming(s *incomingStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.incoming[s.id]; ok {
		return rpcerrors.ErrDuplicateStreamID.GenWithStackByArgs(s.id)
	}
	if len(r.incoming) >= r.maxCount {
		return rpcerrors.ErrTooManyStreams
	}
	r.incoming[s.id] = s
	streamsGauge.WithLabelValues("incoming").Set(float64(len(r.incoming)))
	return nil
}

func (r *streamRegistry) getIncoming(id int64) (*incomingStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.incoming[id]
	return s, ok
}

func (r *streamRegistry) removeIncoming(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.incoming, id)
	streamsGauge.WithLabelValues("incoming").Set(float64(len(r.incoming)))
}

func (r *streamRegistry) addOutgoing(s *outgoingStream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outgoing) >= r.maxCount {
		return rpcerrors.ErrTooManyStreams
	}
	r.outgoing[s.id] = s
	streamsGauge.WithLabelValues("outgoing").Set(float64(len(r.outgoing)))
	return nil
}

func (r *streamRegistry) getOutgoing(id int64) (*outgoingStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.outgoing[id]
	return s, ok
}

func (r *streamRegistry) removeOutgoing(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outgoing, id)
	streamsGauge.WithLabelValues("outgoing").Set(float64(len(r.outgoing)))
}

// disposeAll fails every live stream in both directions, used by the
// dispose cascade (§4.11).
func (r *streamRegistry) disposeAll() {
	r.mu.Lock()
	ins := make([]*incomingStream, 0, len(r.incoming))
	for _, s := range r.incoming {
		ins = append(ins, s)
	}
	outs := make([]*outgoingStream, 0, len(r.outgoing))
	for _, s := range r.outgoing {
		outs = append(outs, s)
	}
	r.incoming = make(map[int64]*incomingStream)
	r.outgoing = make(map[int64]*outgoingStream)
	r.mu.Unlock()

	for _, s := range ins {
		s.closeWithError(rpcerrors.ErrProcessorDisposed)
	}
	for _, s := range outs {
		s.abortedByPeer(rpcerrors.ErrProcessorDisposed)
	}
}

// handleIncomingStreamMessage implements §4.7's inbound half.
//
// StreamStart flows from the stream's *consumer* to its *host* (§4.7
// "consumer reading from the local stream triggers a StreamStart to the
// peer"): receiving one here means we host the outgoing side of this
// stream ID and the peer is now ready for chunks, so it signals the
// matching outgoingStream rather than registering a new incoming one.
func (p *Processor) handleIncomingStreamMessage(m Message) {
	switch m.Kind {
	case KindStreamStart:
		s, ok := p.streams.getOutgoing(m.ID)
		if !ok {
			log.Debug("rpc: StreamStart for unknown outgoing stream, dropped", zap.Int64("id", m.ID))
			return
		}
		s.signalStart()
	case KindStreamChunk:
		s, ok := p.streams.getIncoming(m.ID)
		if !ok {
			log.Debug("rpc: chunk for unknown or already-closed stream, dropped", zap.Int64("id", m.ID))
			return
		}
		data := m.StreamData
		if m.Compressed {
			if p.options.DefaultCompression == nil {
				err := rpcerrors.ErrProtocolViolation.GenWithStackByArgs("compressed chunk but no DefaultCompression configured")
				_ = p.sendBestEffort(Message{Kind: KindErrorResponse, ID: m.ID, Error: err.Error()})
				p.StopExceptional(err)
				return
			}
			decoded, err := p.options.DefaultCompression.DecompressChunk(data)
			if err != nil {
				_ = p.sendBestEffort(Message{Kind: KindErrorResponse, ID: m.ID, Error: err.Error()})
				p.StopExceptional(rpcerrors.ErrProtocolViolation.GenWithStackByArgs(err))
				return
			}
			data = decoded
		}
		if len(data) > p.options.MaxContentLength {
			err := rpcerrors.ErrOversizeChunk.GenWithStackByArgs(m.ID)
			_ = p.sendBestEffort(Message{Kind: KindErrorResponse, ID: m.ID, Error: err.Error()})
			p.StopExceptional(err)
			return
		}
		if err := s.deliver(data, m.IsLastChunk); err != nil {
			_ = p.sendBestEffort(Message{Kind: KindErrorResponse, ID: m.ID, Error: err.Error()})
			p.StopExceptional(err)
			return
		}
		streamBytesTotal.WithLabelValues("incoming").Add(float64(len(data)))
		_ = p.sendBestEffort(Message{Kind: KindResponse, ID: m.ID})
	}
}

// ReadStreamChunk reads the next chunk of an incoming stream. Once a
// chunk reports last == true (or err != nil), the stream is removed
// from the registry.
func (p *Processor) ReadStreamChunk(ctx context.Context, id int64) (data []byte, last bool, err error) {
	s, ok := p.streams.getIncoming(id)
	if !ok {
		return nil, true, rpcerrors.ErrDuplicateStreamID.GenWithStackByArgs(id)
	}
	select {
	case c := <-s.ch:
		if c.last || c.err != nil {
			p.streams.removeIncoming(id)
		}
		return c.data, c.last, c.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// StreamReader is the consumer-facing io.Reader for an incoming stream
// (§3, §4.7). Transmission does not begin until the first Read, which
// lazily sends the wire StreamStart the host is waiting for.
type StreamReader struct {
	proc      *Processor
	ctx       context.Context
	id        int64
	startOnce sync.Once
	leftover  []byte
	eof       bool
}

// OpenIncomingStream registers an incoming stream for a StreamValue
// seen during parameter or return-value finalization (§4.7 "Creation").
// ctx bounds every subsequent Read.
func (p *Processor) OpenIncomingStream(ctx context.Context, sv StreamValue) (*StreamReader, error) {
	if !sv.HasStream {
		return nil, rpcerrors.ErrProtocolViolation.GenWithStackByArgs("StreamValue carries no stream")
	}
	if err := p.streams.addIncoming(newIncomingStream(sv.StreamID)); err != nil {
		return nil, err
	}
	return &StreamReader{proc: p, ctx: ctx, id: sv.StreamID}, nil
}

func (r *StreamReader) ensureStarted() {
	r.startOnce.Do(func() {
		_ = r.proc.sendBestEffort(Message{Kind: KindStreamStart, ID: r.id})
	})
}

// Read implements io.Reader, pulling one buffered chunk at a time from
// the underlying incoming stream (§4.7).
func (r *StreamReader) Read(buf []byte) (int, error) {
	r.ensureStarted()
	if len(r.leftover) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		data, last, err := r.proc.ReadStreamChunk(r.ctx, r.id)
		if err != nil {
			return 0, err
		}
		r.leftover, r.eof = data, last
	}
	n := copy(buf, r.leftover)
	r.leftover = r.leftover[n:]
	if n == 0 && r.eof {
		return 0, io.EOF
	}
	return n, nil
}

// Close abandons the stream early, notifying its host with
// RemoteStreamClose (§4.7 "Local close").
func (r *StreamReader) Close() error {
	r.proc.streams.removeIncoming(r.id)
	return r.proc.sendBestEffort(Message{Kind: KindRemoteStreamClose, ID: r.id})
}
