// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package errs names the error taxonomy of spec.md §7 as sentinel
// values so callers can branch on them with errors.Is, while the
// wrapping fmt.Errorf("...: %w", ...) calls at each call site still
// carry a human-readable message.
package errs

import "errors"

var (
	// ErrDeviceNotFound: no serial port matched at node startup.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrConnectionLost: the serial link dropped mid-poll.
	ErrConnectionLost = errors.New("serial connection lost")
	// ErrHostConnectionError: the uplink WebSocket could not be reached.
	ErrHostConnectionError = errors.New("host connection error")
	// ErrFrameParseError: a wire message did not decode as JSON/CSV.
	ErrFrameParseError = errors.New("frame parse error")
	// ErrSchemaMismatch: a ReadingFrame's keys disagree with the
	// per-node table established by the first write.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrStoreError: a persistence operation failed.
	ErrStoreError = errors.New("store error")
	// ErrConfigError: CLI flags or the config overlay were invalid.
	ErrConfigError = errors.New("config error")
	// ErrInterrupted: shutdown was requested.
	ErrInterrupted = errors.New("interrupted")
)
