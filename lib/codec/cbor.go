// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec centralizes drover's CBOR configuration. Two
// consumers depend on its determinism guarantee: the streaming
// transport (stream/) encodes wire messages with it, and the image
// cache (imagecache/) hashes the canonical encoding of dependency
// sets — same logical dependency set, same bytes, same fingerprint.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown fields are ignored for
// forward compatibility between orchestrator and observer versions.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Wire payloads decoded into any-typed targets must come out
		// as map[string]any, not the CBOR default
		// map[interface{}]interface{}, so they interoperate with
		// encoding/json and ordinary Go code. Struct decoding is
		// unaffected.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder. Type alias so consumers import
// only lib/codec, not fxamacker/cbor directly.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// wire message payloads until the type tag has been inspected.
type RawMessage = cbor.RawMessage

// NewEncoder returns a CBOR encoder writing to w with the
// deterministic configuration.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
