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

// Package clock re-exports benbjohnson/clock so the rest of the module
// depends on a single, mockable time source. Production code uses
// clock.New(); tests substitute clock.NewMock() to drive heartbeat logic
// deterministically. Request timeouts use context deadlines, not this
// clock.
package clock

import "github.com/benbjohnson/clock"

// Clock is the time source consumed by the processor. It is satisfied
// by both clock.Clock (real time) and *clock.Mock (tests).
type Clock = clock.Clock

// Mock is a controllable Clock for deterministic tests.
type Mock = clock.Mock

// New returns the real, wall-clock-backed Clock.
func New() Clock { return clock.New() }

// NewMock returns a Clock whose time only advances when told to.
func NewMock() *Mock { return clock.NewMock() }
