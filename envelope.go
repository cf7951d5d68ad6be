// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relay

import "encoding/json"

// Envelope is the canonical shape exchanged across the channel. Payloads
// are opaque: nothing inspects Data beyond the wrap/unwrap step.
type Envelope struct {
	Data any `json:"data"`
}

// readySentinel is the reserved readiness payload. It is exchanged once
// per channel and consumed by both sides; an application callback never
// observes it.
const readySentinel = "socks loaded"

// IsSentinel reports whether the envelope carries the readiness signal.
func (e Envelope) IsSentinel() bool {
	if s, ok := e.Data.(string); ok {
		return s == readySentinel
	}
	// Frames decoded from JSON may surface the sentinel as raw bytes.
	if raw, ok := e.Data.(json.RawMessage); ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s == readySentinel
		}
	}
	return false
}

func sentinelEnvelope() Envelope {
	return Envelope{Data: readySentinel}
}

// wrap boxes a payload into an Envelope unless it already is one.
// Wrapped payloads pass through unchanged so round-trips never
// double-wrap.
func wrap(payload any) Envelope {
	switch v := payload.(type) {
	case Envelope:
		return v
	case *Envelope:
		return *v
	default:
		return Envelope{Data: payload}
	}
}
