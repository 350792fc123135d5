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
	"reflect"
	"sync"
)

// ServiceLocator is the small typed DI container for non-RPC parameters
// (§9 "DI for non-RPC parameters": "model as a small typed service
// locator queried by parameter type; not required to be general-purpose").
// A per-call ServiceLocator is derived from Options.DefaultServices via
// Child, so entries registered for one call (the processor, the
// request, the resolved method, the composite cancellation) never leak
// into another call's locator.
type ServiceLocator struct {
	mu       sync.RWMutex
	parent   *ServiceLocator
	services map[reflect.Type]interface{}
}

// NewServiceLocator creates a root locator seeded with the given values,
// each indexed by its own dynamic type.
func NewServiceLocator(seed []interface{}) *ServiceLocator {
	s := &ServiceLocator{services: make(map[reflect.Type]interface{})}
	for _, v := range seed {
		s.Register(v)
	}
	return s
}

// Register indexes v by its dynamic type.
func (s *ServiceLocator) Register(v interface{}) {
	if v == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[reflect.TypeOf(v)] = v
}

// RegisterAs indexes v under an explicit interface type, e.g.
// RegisterAs((*io.Writer)(nil), someWriter).
func (s *ServiceLocator) RegisterAs(typ interface{}, v interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[reflect.TypeOf(typ).Elem()] = v
}

// Lookup resolves a value assignable to typ, walking up to the parent
// locator if not found locally.
func (s *ServiceLocator) Lookup(typ reflect.Type) (interface{}, bool) {
	s.mu.RLock()
	v, ok := s.services[typ]
	parent := s.parent
	s.mu.RUnlock()
	if ok {
		return v, true
	}
	if parent != nil {
		return parent.Lookup(typ)
	}
	return nil, false
}

// Child derives a new locator scoped to one call, inheriting lookups
// from s but never mutating it.
func (s *ServiceLocator) Child() *ServiceLocator {
	return &ServiceLocator{parent: s, services: make(map[reflect.Type]interface{})}
}
