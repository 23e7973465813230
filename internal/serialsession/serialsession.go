// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package serialsession implements C1, the serial session: the
// connect/poll/reconnect state machine around the opaque byte-oriented
// channel to the device, grounded on
// original_source/communications/SerialCommManager.py's poll_arduino.
package serialsession

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/labtelemetry/hub/internal/errs"
)

// DefaultMatchSubstrings are the descriptor substrings auto-discovery
// matches against (case-insensitive), covering the common ways an
// Arduino-class device shows up across platforms.
var DefaultMatchSubstrings = []string{"arduino", "usbmodem", "usbserial", "ttyacm", "ttyusb"}

// State is the session's position in the connect/poll lifecycle
// (spec.md §4.1): Uninitialized -> Opening -> Ready <-> Polling, with
// Closed reachable from anywhere.
type State int

const (
	StateUninitialized State = iota
	StateOpening
	StateReady
	StatePolling
	StateClosed
)

// transport is the subset of go.bug.st/serial.Port this package needs;
// narrowing it to an interface lets tests substitute an in-memory fake
// instead of a real device.
type transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Session is one serial connection to a device, owned exclusively by
// the node bridge task that opened it (spec.md §5).
type Session struct {
	port       transport
	state      State
	pollWindow time.Duration
}

// DiscoverPort enumerates system serial ports and returns the first
// whose descriptor matches one of substrings, case-insensitively, per
// spec.md §4.1 "Port discovery". A nil or empty substrings uses
// DefaultMatchSubstrings.
func DiscoverPort(substrings []string) (string, error) {
	if len(substrings) == 0 {
		substrings = DefaultMatchSubstrings
	}

	ports, err := serial.GetPortsList()
	if err != nil {
		return "", fmt.Errorf("%w: listing serial ports: %v", errs.ErrDeviceNotFound, err)
	}

	for _, port := range ports {
		lower := strings.ToLower(port)
		for _, sub := range substrings {
			if strings.Contains(lower, strings.ToLower(sub)) {
				return port, nil
			}
		}
	}

	return "", fmt.Errorf("%w: no serial port among %v matched %v", errs.ErrDeviceNotFound, ports, substrings)
}

// Open opens a real serial device at path with the line settings
// spec.md §4.1/§6 requires: 115200 baud, 8 data bits, 1 stop bit, no
// parity, and a read timeout equal to the poll window.
func Open(path string, pollWindow time.Duration) (*Session, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", errs.ErrDeviceNotFound, path, err)
	}
	if err := port.SetReadTimeout(pollWindow); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: setting read timeout on %s: %v", errs.ErrDeviceNotFound, path, err)
	}

	return &Session{port: port, state: StateReady, pollWindow: pollWindow}, nil
}

// openTransport wraps an already-open transport (the real device or,
// in tests and emulation mode, an in-memory fake) without touching its
// configuration: no baud/parity/timeout settings and no flow control
// are applied, and a fake transport manages its own timeout behavior.
func openTransport(t transport, pollWindow time.Duration) *Session {
	return &Session{port: t, state: StateReady, pollWindow: pollWindow}
}

// OpenEmulated builds a Session over an already-connected transport,
// for the node CLI's --emulate mode and for tests.
func OpenEmulated(t transport, pollWindow time.Duration) *Session {
	return openTransport(t, pollWindow)
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Poll writes a single command byte and reads one `,\n`-terminated CSV
// line in response, the way poll_arduino does: write_handshake then a
// readline. The first field is the timestamp, the remainder are ADC
// channel samples. A read that times out with no bytes received
// returns (0, nil, nil) rather than an error, per spec.md §8 "Empty
// line from the serial port yields None from poll, not an error".
// A write, read or parse failure closes the session (State reports
// StateClosed) and returns an error wrapping errs.ErrConnectionLost.
func (s *Session) Poll(cmd byte) (timestamp float64, channels []float64, err error) {
	s.state = StatePolling
	defer func() {
		if s.state == StatePolling {
			s.state = StateReady
		}
	}()

	if _, err := s.port.Write([]byte{cmd}); err != nil {
		s.Close()
		return 0, nil, fmt.Errorf("%w: writing command %#x: %v", errs.ErrConnectionLost, cmd, err)
	}

	line, err := s.readLine()
	if err != nil {
		s.Close()
		return 0, nil, err
	}
	if len(line) == 0 {
		return 0, nil, nil
	}

	ts, channels, perr := parseLine(line)
	if perr != nil {
		s.Close()
		return 0, nil, fmt.Errorf("%w: %v", errs.ErrConnectionLost, perr)
	}
	return ts, channels, nil
}

// readLine accumulates bytes until a newline or a zero-byte, no-error
// read (the transport's signal that its configured timeout elapsed
// with nothing to deliver).
func (s *Session) readLine() ([]byte, error) {
	var buf []byte
	tmp := make([]byte, 64)

	for {
		n, err := s.port.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
				return buf[:idx], nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: %v", errs.ErrConnectionLost, err)
			}
			return nil, fmt.Errorf("%w: reading: %v", errs.ErrConnectionLost, err)
		}
		// n == 0, err == nil: the poll window elapsed with nothing read.
		return nil, nil
	}
}

// parseLine splits a CSV line on commas, dropping the trailing empty
// field the device's ",\n" terminator leaves behind, and converts the
// rest to float64.
func parseLine(line []byte) (float64, []float64, error) {
	fields := strings.Split(string(line), ",")
	if len(fields) > 0 && strings.TrimSpace(fields[len(fields)-1]) == "" {
		fields = fields[:len(fields)-1]
	}
	if len(fields) == 0 {
		return 0, nil, nil
	}

	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: field %q: %v", errs.ErrFrameParseError, f, err)
		}
		values[i] = v
	}

	return values[0], values[1:], nil
}

// Close closes the underlying transport.
func (s *Session) Close() error {
	s.state = StateClosed
	return s.port.Close()
}
