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

// Package msgpackcodec is the default implementation of pkg/rpc.Codec
// (§4.1): a 4-byte big-endian length prefix followed by a msgpack-
// encoded wire record. The codec itself is deliberately outside the
// core processor's scope (§1); this is the one concrete implementation
// the processor is wired to by default.
package msgpackcodec

import (
	"encoding/binary"
	"io"

	"github.com/pingcap/tirpc/pkg/errors"
	"github.com/pingcap/tirpc/pkg/rpc"
	"github.com/vmihailenco/msgpack/v5"
)

const lengthPrefixSize = 4

// wireValueKind discriminates the three shapes a Message's
// Parameters/ReturnValue/Arguments slots can hold on the wire: a plain
// user value, or one of the two special sum-type records (ScopeValue,
// StreamValue) that §4.5/§4.9/§4.7 thread through those same
// interface{} slots. msgpack decodes a bare interface{} map back as
// map[string]interface{}, which would silently break every
// value.(rpc.ScopeValue) / value.(rpc.StreamValue) type assertion on
// the receiving side — wireValue tags which concrete type to rebuild.
type wireValueKind uint8

const (
	wireValuePlain wireValueKind = iota
	wireValueScope
	wireValueStream
)

type wireValue struct {
	Kind   wireValueKind   `msgpack:"k"`
	Plain  interface{}     `msgpack:"p,omitempty"`
	Scope  rpc.ScopeValue  `msgpack:"sv,omitempty"`
	Stream rpc.StreamValue `msgpack:"st,omitempty"`
}

func toWireValue(v interface{}) wireValue {
	switch t := v.(type) {
	case rpc.ScopeValue:
		return wireValue{Kind: wireValueScope, Scope: t}
	case rpc.StreamValue:
		return wireValue{Kind: wireValueStream, Stream: t}
	default:
		return wireValue{Kind: wireValuePlain, Plain: v}
	}
}

func fromWireValue(w wireValue) interface{} {
	switch w.Kind {
	case wireValueScope:
		return w.Scope
	case wireValueStream:
		return w.Stream
	default:
		return w.Plain
	}
}

func toWireValues(vs []interface{}) []wireValue {
	if vs == nil {
		return nil
	}
	out := make([]wireValue, len(vs))
	for i, v := range vs {
		out[i] = toWireValue(v)
	}
	return out
}

func fromWireValues(ws []wireValue) []interface{} {
	if ws == nil {
		return nil
	}
	out := make([]interface{}, len(ws))
	for i, w := range ws {
		out[i] = fromWireValue(w)
	}
	return out
}

// wireRecord is the msgpack-serializable projection of rpc.Message:
// every variant's fields, tagged with short names to keep frames small.
// Only the fields relevant to Kind are populated on the wire.
type wireRecord struct {
	Kind        uint8 `msgpack:"k"`
	SerVersion  int   `msgpack:"ser,omitempty"`
	ID          int64 `msgpack:"i,omitempty"`
	PeerVersion int   `msgpack:"v,omitempty"`

	API              string      `msgpack:"api,omitempty"`
	Method           string      `msgpack:"m,omitempty"`
	Parameters       []wireValue `msgpack:"p,omitempty"`
	WantsReturnValue bool        `msgpack:"wr,omitempty"`
	WantsResponse    bool        `msgpack:"wp,omitempty"`

	ReturnValue wireValue `msgpack:"rv,omitempty"`
	Error       string    `msgpack:"e,omitempty"`

	EventName string    `msgpack:"en,omitempty"`
	Arguments wireValue `msgpack:"ar,omitempty"`
	Waiting   bool      `msgpack:"w,omitempty"`

	ScopeType                  string `msgpack:"st,omitempty"`
	ScopeValueID               int64  `msgpack:"svi,omitempty"`
	ScopeKey                   string `msgpack:"sk,omitempty"`
	ScopeHasKey                bool   `msgpack:"shk,omitempty"`
	ScopeIsStored              bool   `msgpack:"sis,omitempty"`
	ScopeDisposeValue          bool   `msgpack:"sdv,omitempty"`
	ScopeDisposeValueOnError   bool   `msgpack:"sdve,omitempty"`
	ScopeInformMasterOnDispose bool   `msgpack:"sim,omitempty"`
	ScopeReplaceExisting       bool   `msgpack:"sre,omitempty"`

	ScopeID int64 `msgpack:"si,omitempty"`

	StreamID         int64  `msgpack:"sid,omitempty"`
	StreamHasStream  bool   `msgpack:"shs,omitempty"`
	StreamContent    []byte `msgpack:"sc,omitempty"`
	StreamHasContent bool   `msgpack:"shc,omitempty"`
	StreamLength     int64  `msgpack:"sl,omitempty"`
	StreamHasLength  bool   `msgpack:"shl,omitempty"`
	StreamCompress   string `msgpack:"scm,omitempty"`

	StreamData     []byte `msgpack:"sd,omitempty"`
	IsLastChunk    bool   `msgpack:"lc,omitempty"`
	Compressed     bool   `msgpack:"cp,omitempty"`
	StreamError    string `msgpack:"se,omitempty"`
	HasStreamError bool   `msgpack:"hse,omitempty"`
}

func toWire(m rpc.Message) wireRecord {
	w := wireRecord{
		Kind: uint8(m.Kind), ID: m.ID, PeerVersion: m.PeerVersion,
		API: m.API, Method: m.Method, Parameters: toWireValues(m.Parameters),
		WantsReturnValue: m.WantsReturnValue, WantsResponse: m.WantsResponse,
		ReturnValue: toWireValue(m.ReturnValue), Error: m.Error,
		EventName: m.EventName, Arguments: toWireValue(m.Arguments), Waiting: m.Waiting,
		ScopeID: m.ScopeID,
		StreamData: m.StreamData, IsLastChunk: m.IsLastChunk, Compressed: m.Compressed,
		StreamError: m.StreamError, HasStreamError: m.HasStreamError,
	}
	w.ScopeType = m.Scope.Type
	w.ScopeValueID = m.Scope.ID
	w.ScopeKey = m.Scope.Key
	w.ScopeHasKey = m.Scope.HasKey
	w.ScopeIsStored = m.Scope.IsStored
	w.ScopeDisposeValue = m.Scope.DisposeValue
	w.ScopeDisposeValueOnError = m.Scope.DisposeValueOnError
	w.ScopeInformMasterOnDispose = m.Scope.InformMasterOnDispose
	w.ScopeReplaceExisting = m.Scope.ReplaceExistingScope
	return w
}

func fromWire(w wireRecord) rpc.Message {
	return rpc.Message{
		Kind: rpc.Kind(w.Kind), ID: w.ID, PeerVersion: w.PeerVersion,
		API: w.API, Method: w.Method, Parameters: fromWireValues(w.Parameters),
		WantsReturnValue: w.WantsReturnValue, WantsResponse: w.WantsResponse,
		ReturnValue: fromWireValue(w.ReturnValue), Error: w.Error,
		EventName: w.EventName, Arguments: fromWireValue(w.Arguments), Waiting: w.Waiting,
		Scope: rpc.ScopeValue{
			Type: w.ScopeType, ID: w.ScopeValueID, Key: w.ScopeKey, HasKey: w.ScopeHasKey,
			IsStored: w.ScopeIsStored, DisposeValue: w.ScopeDisposeValue,
			DisposeValueOnError: w.ScopeDisposeValueOnError, InformMasterOnDispose: w.ScopeInformMasterOnDispose,
			ReplaceExistingScope: w.ScopeReplaceExisting,
		},
		ScopeID:     w.ScopeID,
		StreamData:  w.StreamData,
		IsLastChunk: w.IsLastChunk,
		Compressed:  w.Compressed,
		StreamError: w.StreamError, HasStreamError: w.HasStreamError,
	}
}

// Codec is the default length-prefixed msgpack wire codec.
type Codec struct {
	MaxMessageLength int
	// SerializerVersion is stamped on every record written; readers
	// currently accept any version (there is only one wire layout).
	SerializerVersion int
}

// New constructs a Codec enforcing maxMessageLength on both read and
// write (0 disables the limit, relying on the caller's own framing
// elsewhere).
func New(maxMessageLength int) *Codec {
	return &Codec{MaxMessageLength: maxMessageLength}
}

// ReadMessage implements rpc.Codec (§4.1): read a 4-byte length prefix,
// then exactly that many bytes, and msgpack-decode them.
func (c *Codec) ReadMessage(r io.Reader) (rpc.Message, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return rpc.Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if c.MaxMessageLength > 0 && int(n) > c.MaxMessageLength {
		return rpc.Message{}, errors.ErrMessageTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return rpc.Message{}, err
	}
	var w wireRecord
	if err := msgpack.Unmarshal(body, &w); err != nil {
		return rpc.Message{}, errors.ErrMalformedMessage.GenWithStackByArgs(err)
	}
	return fromWire(w), nil
}

// WriteMessage implements rpc.Codec (§4.1). Callers must serialize
// calls themselves; the codec assumes single-writer discipline.
func (c *Codec) WriteMessage(w io.Writer, m rpc.Message) error {
	record := toWire(m)
	record.SerVersion = c.SerializerVersion
	body, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}
	if c.MaxMessageLength > 0 && len(body) > c.MaxMessageLength {
		return errors.ErrMessageTooLarge
	}
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
