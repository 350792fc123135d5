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
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor is the external compression-codec contract (§1: "optional
// compression codecs" are deliberately out of scope, treated as an
// external collaborator; the processor only consumes this interface).
// Each chunk of an outgoing stream is compressed independently so the
// receiver can decompress it without holding any cross-chunk state,
// matching the one-chunk-in-flight protocol of §4.7/§4.8.
type Compressor interface {
	Name() string
	CompressChunk(data []byte) ([]byte, error)
	DecompressChunk(data []byte) ([]byte, error)
}

// zstdCompressor is the default Compressor, backed by
// github.com/klauspost/compress/zstd. Encoders/decoders are expensive
// to construct, so one of each is kept and reused for the life of the
// compressor.
type zstdCompressor struct {
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor builds the default DefaultCompression implementation.
func NewZstdCompressor() (Compressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (z *zstdCompressor) Name() string { return "zstd" }

func (z *zstdCompressor) CompressChunk(data []byte) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (z *zstdCompressor) DecompressChunk(data []byte) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.dec.DecodeAll(data, nil)
}
