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
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pingcap/tirpc/pkg/rpc"
)

var (
	dialAddr    string
	dialMessage string
	dialRepeat  int64
)

var dialCmd = &cobra.Command{
	Use:   "dial",
	Short: "connect to a serving peer, call the demo API once, then exit",
	RunE:  runDial,
}

func init() {
	dialCmd.Flags().StringVar(&dialAddr, "addr", "", "address to connect to (overrides config file)")
	dialCmd.Flags().StringVar(&dialMessage, "message", "hello from rpcpeerd", "message to send to Echo/Repeat")
	dialCmd.Flags().Int64Var(&dialRepeat, "repeat", 10000, "how many times Repeat should tile the message, exercising the stream path")
}

func runDial(cmd *cobra.Command, _ []string) error {
	cfg, err := loadFileConfig(configPath)
	if err != nil {
		return err
	}
	if dialAddr != "" {
		cfg.Address = dialAddr
	}

	conn, err := net.DialTimeout("tcp", cfg.Address, 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info("rpcpeerd: connected", zap.String("addr", cfg.Address))

	opts, err := cfg.toOptions(conn, demoAPI())
	if err != nil {
		return err
	}
	proc, err := rpc.New(opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- proc.Run(ctx) }()

	callCtx, callCancel := context.WithTimeout(ctx, 10*time.Second)
	defer callCancel()

	echoed, err := proc.SendRequest(callCtx, "demo", "Echo", []interface{}{dialMessage}, true, 0)
	if err != nil {
		return fmt.Errorf("Echo call failed: %w", err)
	}
	fmt.Printf("Echo -> %v\n", echoed)

	result, err := proc.SendRequest(callCtx, "demo", "Repeat", []interface{}{dialMessage, dialRepeat}, true, 0)
	if err != nil {
		return fmt.Errorf("Repeat call failed: %w", err)
	}
	reader, ok := result.(io.Reader)
	if !ok {
		return fmt.Errorf("Repeat returned %T, expected a stream", result)
	}
	n, err := io.Copy(io.Discard, reader)
	if err != nil {
		return fmt.Errorf("reading Repeat stream: %w", err)
	}
	fmt.Printf("Repeat -> received %s\n", humanize.Bytes(uint64(n)))

	_ = proc.Close()
	cancel()
	return <-runErrCh
}
