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

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pingcap/tirpc/pkg/rpc"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "accept one peer connection and serve the demo API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "address to listen on (overrides config file)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadFileConfig(configPath)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Address = serveAddr
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info("rpcpeerd: listening", zap.String("addr", cfg.Address))

	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info("rpcpeerd: peer connected", zap.Stringer("remote", conn.RemoteAddr()))

	opts, err := cfg.toOptions(conn, demoAPI())
	if err != nil {
		return err
	}
	proc, err := rpc.New(opts)
	if err != nil {
		return err
	}

	err = proc.Run(cmd.Context())
	log.Info("rpcpeerd: peer disconnected")
	return err
}
