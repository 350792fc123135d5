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
	"bytes"
	"context"
	"reflect"

	"github.com/pingcap/tirpc/pkg/rpc"
)

// demoAPI is the tiny API both serve and dial register, giving the
// demo binary something to exercise: a plain request/response method
// and a streamed method exercising the outgoing stream pump (§4.7,
// §4.8) for payloads over InlineStreamThreshold.
func demoAPI() map[string]*rpc.APIInfo {
	return map[string]*rpc.APIInfo{
		"demo": {
			AuthorizeAll: true,
			Methods: map[string]*rpc.MethodInfo{
				"Echo": {
					Name: "Echo",
					Parameters: []*rpc.ParameterInfo{
						{Name: "message", Type: reflect.TypeOf(""), RPCServable: true, Index: 0},
					},
					RPCServableParamCount: 1,
					Invoke: func(_ context.Context, _ *rpc.CallContext, params []interface{}) (interface{}, error) {
						return params[0], nil
					},
				},
				"Repeat": {
					Name: "Repeat",
					Parameters: []*rpc.ParameterInfo{
						{Name: "message", Type: reflect.TypeOf(""), RPCServable: true, Index: 0},
						{Name: "count", Type: reflect.TypeOf(int64(0)), RPCServable: true, Index: 1},
					},
					RPCServableParamCount: 2,
					Invoke: func(_ context.Context, _ *rpc.CallContext, params []interface{}) (interface{}, error) {
						msg, _ := params[0].(string)
						count, _ := params[1].(int64)
						payload := bytes.Repeat([]byte(msg), int(count))
						return rpc.Stream{
							Source:    bytes.NewReader(payload),
							Length:    int64(len(payload)),
							HasLength: true,
						}, nil
					},
				},
			},
		},
	}
}
