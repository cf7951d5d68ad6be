// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import (
	"encoding/json"
	"fmt"
)

// Codec encodes envelopes for transports that cross a process boundary.
// In-process delivery never touches a codec; payloads stay opaque.
type Codec interface {
	Encode(env Envelope) ([]byte, error)
	Decode(data []byte) (Envelope, error)
}

// JSONCodec is the default envelope codec.
type JSONCodec struct{}

func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	// Keep the payload raw so nothing beyond the envelope shape is
	// imposed on it; the application decodes it on its own terms.
	var frame struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return Envelope{}, err
	}
	return Envelope{Data: frame.Data}, nil
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// RawCodec passes byte payloads through unchanged (for pre-encoded data).
type RawCodec struct{}

func (RawCodec) Encode(env Envelope) ([]byte, error) {
	switch b := env.Data.(type) {
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return nil, fmt.Errorf("relay: raw codec needs a byte payload, got %T", env.Data)
	}
}

func (RawCodec) Decode(data []byte) (Envelope, error) {
	return Envelope{Data: data}, nil
}

// Raw is a codec that passes bytes through unchanged
var Raw Codec = RawCodec{}

func codecFor(o *options) Codec {
	if o.codec != nil {
		return o.codec
	}
	return defaultCodec
}
