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

package main

import (
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pingcap/tirpc/codec/msgpackcodec"
	"github.com/pingcap/tirpc/pkg/rpc"
)

// FileConfig is the on-disk YAML shape for rpcpeerd, translated into an
// rpc.Options by toOptions. Options itself stays a plain programmatic
// struct (§6); only this demo binary's config needs a file format.
type FileConfig struct {
	// Address is the TCP address serve listens on, or dial connects to.
	Address string `yaml:"address"`

	MaxMessageLength int `yaml:"maxMessageLength"`

	// Compression installs zstd as the processor's DefaultCompression: it
	// compresses outgoing streams whose Stream.Compress is set (the demo
	// API sets it on none) and decompresses compressed incoming chunks.
	Compression bool `yaml:"compression"`

	// KeepAliveTimeout enables the dual heartbeat (§4.10) when non-zero.
	KeepAliveTimeout     time.Duration `yaml:"keepAliveTimeout"`
	KeepAlivePeerTimeout time.Duration `yaml:"keepAlivePeerTimeout"`
}

func defaultFileConfig() FileConfig {
	return FileConfig{
		Address:          "127.0.0.1:7654",
		MaxMessageLength: 64 << 20,
	}
}

// loadFileConfig reads path as YAML, falling back to the defaults when
// path is empty (flags alone are enough for a quick local demo run).
func loadFileConfig(path string) (FileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

// toOptions builds the rpc.Options for one Processor bound to conn.
func (c FileConfig) toOptions(conn net.Conn, api map[string]*rpc.APIInfo) (rpc.Options, error) {
	opts := rpc.Options{
		Stream:           conn,
		Codec:            msgpackcodec.New(c.MaxMessageLength),
		MaxMessageLength: c.MaxMessageLength,
		API:              api,
	}
	if c.Compression {
		compressor, err := rpc.NewZstdCompressor()
		if err != nil {
			return rpc.Options{}, err
		}
		opts.DefaultCompression = compressor
	}
	if c.KeepAliveTimeout > 0 {
		opts.KeepAlive = &rpc.KeepAliveConfig{
			Timeout:     c.KeepAliveTimeout,
			PeerTimeout: c.KeepAlivePeerTimeout,
		}
	}
	return opts, nil
}
