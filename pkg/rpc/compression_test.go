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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZstdCompressorRoundTrip(t *testing.T) {
	c, err := NewZstdCompressor()
	require.NoError(t, err)
	require.Equal(t, "zstd", c.Name())

	original := bytes.Repeat([]byte("stream chunk payload "), 500)
	compressed, err := c.CompressChunk(original)
	require.NoError(t, err)
	require.Less(t, len(compressed), len(original))

	decompressed, err := c.DecompressChunk(compressed)
	require.NoError(t, err)
	require.Equal(t, original, decompressed)
}

func TestZstdCompressorEmptyChunk(t *testing.T) {
	c, err := NewZstdCompressor()
	require.NoError(t, err)

	compressed, err := c.CompressChunk(nil)
	require.NoError(t, err)
	decompressed, err := c.DecompressChunk(compressed)
	require.NoError(t, err)
	require.Empty(t, decompressed)
}
