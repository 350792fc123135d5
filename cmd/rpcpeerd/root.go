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

// Command rpcpeerd is a minimal two-peer demonstration of pkg/rpc: one
// side serves the demo API, the other dials in and calls it, following
// the teacher's cobra-subcommand CLI idiom.
package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rpcpeerd",
	Short: "demo peer for the pkg/rpc bidirectional RPC processor",
}

// normalizeFlagName lets flags be spelled with underscores or dashes
// interchangeably.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func init() {
	rootCmd.PersistentFlags().SetNormalizeFunc(normalizeFlagName)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional; flags and defaults otherwise)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dialCmd)
}

// Execute runs the root command; main's only job is to call this and
// translate a returned error into a process exit code.
func Execute() error {
	return rootCmd.Execute()
}
