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

	"github.com/dustin/go-humanize"
	"github.com/pingcap/log"
	rpcerrors "github.com/pingcap/tirpc/pkg/errors"
	"go.uber.org/zap"
)

// Stream wraps a source a method is returning (or passing as an
// outbound parameter) as a long-lived byte transfer rather than an
// inline value (§3 "Outgoing stream", §4.8). Length is optional; when
// HasLength is set the pump fails fatally if the source yields more
// bytes than declared.
type Stream struct {
	Source        io.Reader
	Length        int64
	HasLength     bool
	Compress      bool
	DisposePolicy DisposePolicy
}

// outgoingStream is a stream this processor hosts and pushes chunks
// into (§4.8). It is announced to the peer by embedding its ID in a
// StreamValue on a Response/Request; it does not push any bytes until
// the peer sends StreamStart for that ID ("wait for the peer's
// StreamStart request for this ID", §4.8) — the consumer on the other
// end controls when transmission begins. Each chunk is sent and then
// awaited via the ordinary request registry, keyed by the stream's own
// (stable) ID, which is always safe because only one chunk is ever in
// flight per stream.
type outgoingStream struct {
	id         int64
	proc       *Processor
	compressor Compressor
	source     io.Reader
	hasLength  bool
	length     int64
	dispose    DisposePolicy

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	startCh   chan struct{}

	total int64 // bytes pumped so far; touched only from the pump goroutine

	mu           sync.Mutex
	closed       bool
	remoteClosed bool
}

// newOutgoingStream allocates a fresh outgoing stream, registers it,
// and starts its pump goroutine; the pump blocks until StreamStart
// arrives for this ID. The returned StreamValue is what the caller
// embeds in the Response/Request parameter announcing the stream.
func (p *Processor) newOutgoingStream(st Stream) (StreamValue, error) {
	id := p.nextMessageID()
	ctx, cancel := context.WithCancel(p.lifecycleCtx())
	s := &outgoingStream{
		id: id, proc: p, source: st.Source,
		hasLength: st.HasLength, length: st.Length, dispose: st.DisposePolicy,
		ctx: ctx, cancel: cancel, startCh: make(chan struct{}),
	}
	if st.Compress {
		s.compressor = p.options.DefaultCompression
	}
	if err := p.streams.addOutgoing(s); err != nil {
		cancel()
		return StreamValue{}, err
	}
	go s.pump()
	sv := StreamValue{StreamID: id, HasStream: true}
	if st.HasLength {
		sv.Length, sv.HasLength = st.Length, true
	}
	if s.compressor != nil {
		sv.Compression = s.compressor.Name()
	}
	return sv, nil
}

// signalStart implements the receiving end of the peer's StreamStart
// (§4.8): it is invoked exactly once, letting the pump goroutine begin
// reading from source.
func (s *outgoingStream) signalStart() {
	s.startOnce.Do(func() { close(s.startCh) })
}

func (s *outgoingStream) chunkSize() int {
	if n := s.proc.options.MaxContentLength; n > 0 {
		return n
	}
	return 1 << 16
}

// pump drives the send loop described in §4.8: wait for StreamStart,
// then repeatedly read a chunk (bounded by MaxContentLength), send it,
// and await the peer's chunk-ack before reading the next one.
func (s *outgoingStream) pump() {
	select {
	case <-s.startCh:
	case <-s.ctx.Done():
		s.finish(nil) // torn down (processor dispose or remote close) before the peer ever asked to start
		return
	}

	buf := make([]byte, s.chunkSize())
	for {
		n, rerr := s.source.Read(buf)
		if n > 0 {
			s.total += int64(n)
			if s.hasLength && s.total > s.length {
				s.finish(rpcerrors.ErrProtocolViolation.GenWithStackByArgs("outgoing stream exceeded its declared length"))
				return
			}
			last := rerr == io.EOF || (s.hasLength && s.total == s.length)
			if err := s.writeChunk(buf[:n], last); err != nil {
				s.finish(err)
				return
			}
			if last {
				s.finish(nil)
				return
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if s.total == 0 {
					_ = s.writeChunk(nil, true)
				}
				s.finish(nil)
				return
			}
			s.finish(rerr)
			return
		}
	}
}

// writeChunk sends one chunk and blocks until the peer acks it or the
// stream's context is canceled, enforcing the one-chunk-in-flight
// invariant at the sender (§4.7, §4.8).
func (s *outgoingStream) writeChunk(data []byte, isLast bool) error {
	wire := data
	compressed := false
	if s.compressor != nil && len(data) > 0 {
		out, err := s.compressor.CompressChunk(data)
		if err != nil {
			return err
		}
		wire, compressed = out, true
	}

	pr := s.proc.requests.create(s.id)
	if err := s.proc.enqueueOutgoing(Message{Kind: KindStreamChunk, ID: s.id, StreamData: wire, IsLastChunk: isLast, Compressed: compressed}, s.proc.options.Priorities.Chunk); err != nil {
		s.proc.requests.remove(s.id)
		return err
	}
	streamBytesTotal.WithLabelValues("outgoing").Add(float64(len(data)))

	_, err := pr.await(s.ctx)
	s.proc.requests.remove(s.id)
	return err
}

// finish removes the stream from the registry and disposes the source
// per its disposal policy, sending LocalStreamClose to the peer only
// when the failure originated locally (a remote close already knows).
func (s *outgoingStream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	remoteClosed := s.remoteClosed
	s.mu.Unlock()

	s.proc.streams.removeOutgoing(s.id)
	s.cancel()
	log.Debug("rpc: outgoing stream finished",
		zap.Int64("id", s.id), zap.String("sent", humanize.Bytes(uint64(s.total))), zap.Error(err))
	if err != nil && !remoteClosed {
		msg := Message{Kind: KindLocalStreamClose, ID: s.id, HasStreamError: true, StreamError: err.Error()}
		if sendErr := s.proc.sendBestEffort(msg); sendErr != nil {
			log.Warn("rpc: failed to notify peer of outgoing stream failure", zap.Int64("id", s.id), zap.Error(sendErr))
		}
	}
	if s.dispose.WillDispose(err != nil) {
		disposeValue(s.source)
	}
}

// abortedByPeer unblocks an in-flight writeChunk (or a pump still
// waiting for StreamStart) when the peer sends RemoteStreamClose, or
// when the processor disposes. No LocalStreamClose is sent back (§4.8
// "Remote stream close cancels the loop without sending a local close").
func (s *outgoingStream) abortedByPeer(reason error) {
	s.mu.Lock()
	s.remoteClosed = true
	s.mu.Unlock()
	s.cancel()
	if pr, ok := s.proc.requests.lookup(s.id); ok {
		pr.fail(reason)
	}
}

// handleStreamCloseMessage implements the close-notification half of
// §4.7/§4.8.
func (p *Processor) handleStreamCloseMessage(m Message) {
	switch m.Kind {
	case KindLocalStreamClose:
		if s, ok := p.streams.getIncoming(m.ID); ok {
			var err error
			if m.HasStreamError {
				err = rpcerrors.ErrRemote.GenWithStackByArgs(m.StreamError)
			}
			s.closeWithError(err)
		}
	case KindRemoteStreamClose:
		if s, ok := p.streams.getOutgoing(m.ID); ok {
			s.abortedByPeer(rpcerrors.ErrCanceled)
		}
	}
}
