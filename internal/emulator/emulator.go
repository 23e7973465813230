// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package emulator implements the --emulate transport for cmd/node:
// a software stand-in for the Arduino, grounded on
// original_source/servers/arduino_emulator.py. It answers every write
// (the node bridge writes one command byte per poll) with one CSV line
// (timestamp + channel readings),
// exactly like the real hardware's read-command/write-line protocol,
// so the rest of the node bridge cannot tell it apart from a real port.
package emulator

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// channelCount matches the original emulator's NUM_CHANNELS-1 analog
// readings.
const channelCount = 8

// Device is an in-process io.Reader/Writer/Closer standing in for a
// serial port. Every Write triggers the next Read to return one CSV
// line of synthetic sine-wave readings.
type Device struct {
	mu      sync.Mutex
	start   time.Time
	pending []byte
	closed  bool
}

// New builds an emulator Device.
func New() *Device {
	return &Device{start: time.Now()}
}

// Write accepts the single command byte the node bridge sends to
// trigger a poll; the byte's value is ignored, matching the original
// emulator's "echo+reply" loop which never inspects the command.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, fmt.Errorf("emulator: device closed")
	}
	d.pending = append(d.pending, d.line()...)
	return len(p), nil
}

// Read drains the line queued by the most recent Write. Read returns
// (0, nil) when nothing is queued, matching go.bug.st/serial's
// timed-out-read contract that internal/serialsession relies on.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return 0, nil
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// Close marks the device closed; further writes fail.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// line synthesizes one CSV reading line: seconds elapsed since New
// followed by channelCount sine waves offset from each other, reproducing
// arduino_emulator.py's myFunction.
func (d *Device) line() []byte {
	now := time.Since(d.start).Seconds()
	fields := make([]string, 0, channelCount+1)
	fields = append(fields, fmt.Sprintf("%f", now))
	for offset := 0; offset < channelCount; offset++ {
		v := int((math.Sin((now+float64(offset))*math.Pi/5) + 1) * (1 << 11))
		fields = append(fields, fmt.Sprintf("%d", v))
	}
	return []byte(strings.Join(fields, ",") + "\n")
}
