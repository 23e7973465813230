// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package frame defines the two JSON document shapes exchanged on the
// nodes WebSocket: ReadingFrame (one per poll) and MetadataFrame (one per
// connect/disconnect). Both are dynamic-key dictionaries rather than fixed
// structs because the channel key set (ch0..chN) is only known at runtime,
// per node.
package frame

import "encoding/json"

// MetaMarker is the key whose presence in an uplinked JSON document
// distinguishes a MetadataFrame from a ReadingFrame.
const MetaMarker = "meta"

const (
	KeyUser  = "user"
	KeyError = "error"
	KeyX     = "x"
)

// Reading is one uplinked sample, as described in spec.md §3.
// It is a plain map so that the ch0..chN keys survive round-trips
// without a fixed struct knowing their names in advance.
type Reading map[string]any

func (r Reading) User() string {
	u, _ := r[KeyUser].(string)
	return u
}

func (r Reading) IsError() bool {
	e, _ := r[KeyError].(bool)
	return e
}

func (r Reading) Timestamp() float64 {
	switch v := r[KeyX].(type) {
	case float64:
		return v
	default:
		return 0
	}
}

// Metadata is the self-description a node uplinks on (re)connect, and the
// close sentinel the master substitutes on disconnect.
type Metadata map[string]any

// IsMetadata reports whether a decoded JSON document is a MetadataFrame
// (carries the marker key) rather than a ReadingFrame.
func IsMetadata(doc map[string]any) bool {
	_, ok := doc[MetaMarker]
	return ok
}

// CloseSentinel is substituted into the metadata table when a node
// disconnects, per spec.md §3 "On disconnect: a sentinel value
// substituted by the master."
func CloseSentinel(user string) Metadata {
	return Metadata{
		KeyUser:    user,
		MetaMarker: "closed",
	}
}

// Decode parses one uplinked JSON text message and reports whether it is
// a MetadataFrame (true) or a ReadingFrame (false). Malformed JSON
// returns an error; callers must drop the message and keep the connection
// open per spec.md §7 FrameParseError policy.
func Decode(raw []byte) (doc map[string]any, isMeta bool, err error) {
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, err
	}
	return doc, IsMetadata(doc), nil
}

// Marshal encodes a frame (Reading or Metadata) as the JSON text the wire
// format requires.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
