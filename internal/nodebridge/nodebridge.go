// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package nodebridge implements C2, the node bridge: the uplink
// WebSocket / downlink serial translation loop, grounded on
// original_source/servers/server_node.py's keepalive_ws.
package nodebridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/labtelemetry/hub/internal/actuation"
	"github.com/labtelemetry/hub/internal/errs"
	"github.com/labtelemetry/hub/internal/frame"
	"github.com/labtelemetry/hub/internal/retry"
	"github.com/labtelemetry/hub/internal/serialsession"
	"github.com/labtelemetry/hub/pkg/log"
)

// Wildcard is the downlink "user" value that addresses every node.
const Wildcard = "X"

// Config is the node bridge's resolved configuration: the label this
// node answers to, the unit-conversion constants of spec.md §4.2, and
// the retry policy for both the serial and uplink reconnect loops.
type Config struct {
	Label         string
	WebsocketURL  string
	Vref          float64
	AdcMax        int
	PostScale     map[string]float64
	ChannelLabels map[string]string
	Retry         retry.Policy
}

// Dialer opens the uplink WebSocket; production code points this at
// gorilla/websocket's DefaultDialer, tests substitute a fake.
type Dialer func(ctx context.Context, url string) (*websocket.Conn, error)

// DefaultDialer dials url with gorilla/websocket's package dialer.
func DefaultDialer(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// Bridge runs one node's lifecycle (spec.md §4.2).
type Bridge struct {
	cfg        Config
	openSerial func() (*serialsession.Session, error)
	dial       Dialer

	sess *serialsession.Session
}

// New builds a Bridge. openSerial is called to (re)acquire the serial
// session — the caller closes over explicit-port vs. auto-discovery
// vs. emulation-mode decisions so this package stays transport-agnostic.
func New(cfg Config, openSerial func() (*serialsession.Session, error), dial Dialer) *Bridge {
	if dial == nil {
		dial = DefaultDialer
	}
	return &Bridge{cfg: cfg, openSerial: openSerial, dial: dial}
}

// Run executes the node lifecycle until ctx is canceled or a fatal
// error occurs acquiring the serial device. It returns errs.ErrInterrupted
// on clean cancellation.
func (b *Bridge) Run(ctx context.Context) error {
	sess, err := b.acquireSerialWithRetry(ctx)
	if err != nil {
		return interruptOr(ctx, err)
	}
	b.sess = sess
	defer b.sess.Close()

	for {
		if ctx.Err() != nil {
			return errs.ErrInterrupted
		}

		conn, err := b.connectUplinkWithRetry(ctx)
		if err != nil {
			return interruptOr(ctx, err)
		}

		if err := b.uplinkMetadata(conn); err != nil {
			log.Warnf("nodebridge: sending metadata frame: %v", err)
			conn.Close()
			continue
		}

		masterLost, err := b.readLoop(ctx, conn)
		conn.Close()
		if err != nil {
			return interruptOr(ctx, err)
		}
		if masterLost {
			log.Warnf("nodebridge: master uplink disconnected, reconnecting")
			continue
		}
		return nil
	}
}

func interruptOr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return errs.ErrInterrupted
	}
	return err
}

// acquireSerialWithRetry opens the serial device, retrying per cfg.Retry.
// At node startup (no session opened yet) errs.ErrDeviceNotFound is not
// retried: spec.md §7 requires that a missing device at node startup
// fail fast with a message telling the operator to plug it in, matching
// server_node.py's keepalive_ws, which re-raises this exact failure
// instead of looping on it. During a serial reconnect it is retried
// like any other error.
func (b *Bridge) acquireSerialWithRetry(ctx context.Context) (*serialsession.Session, error) {
	var sess *serialsession.Session
	err := retry.Do(ctx, b.cfg.Retry, func() error {
		s, err := b.openSerial()
		if err != nil {
			log.Warnf("nodebridge: acquiring serial session: %v", err)
			if b.sess == nil && errors.Is(err, errs.ErrDeviceNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (b *Bridge) connectUplinkWithRetry(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	err := retry.Do(ctx, b.cfg.Retry, func() error {
		c, err := b.dial(ctx, b.cfg.WebsocketURL)
		if err != nil {
			log.Warnf("%v: dialing %s: %v", errs.ErrHostConnectionError, b.cfg.WebsocketURL, err)
			return fmt.Errorf("%w: %v", errs.ErrHostConnectionError, err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// uplinkMetadata sends the MetadataFrame exactly once per (re)connect,
// per spec.md §4.2 step 3.
func (b *Bridge) uplinkMetadata(conn *websocket.Conn) error {
	m := frame.Metadata{
		frame.KeyUser:    b.cfg.Label,
		frame.MetaMarker: true,
	}
	for k, v := range b.cfg.ChannelLabels {
		m[k] = v
	}

	data, err := frame.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: encoding metadata frame: %v", errs.ErrFrameParseError, err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop implements spec.md §4.2's read loop contract. masterLost is
// true when the uplink closed or errored, signaling the caller to
// redial without tearing down the serial session.
func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) (masterLost bool, err error) {
	for {
		if ctx.Err() != nil {
			return false, errs.ErrInterrupted
		}

		_, msg, rerr := conn.ReadMessage()
		if rerr != nil {
			return true, nil
		}

		cmd, ok := b.parseCommand(msg)
		if !ok {
			continue
		}

		ts, channels, perr := b.sess.Poll(cmd)
		if perr != nil {
			if errors.Is(perr, errs.ErrConnectionLost) {
				log.Warnf("nodebridge: %v", perr)
				b.sendReading(conn, errorFrame(b.cfg.Label))
				b.sess.Close()
				if err := b.reconnectSerial(ctx); err != nil {
					return false, err
				}
				continue
			}
			log.Warnf("nodebridge: %v", perr)
			continue
		}
		if channels == nil {
			// Empty line this poll window; not an error, nothing to uplink.
			continue
		}

		b.sendReading(conn, b.buildReading(ts, channels))
	}
}

func (b *Bridge) reconnectSerial(ctx context.Context) error {
	sess, err := b.acquireSerialWithRetry(ctx)
	if err != nil {
		return interruptOr(ctx, err)
	}
	b.sess = sess
	return nil
}

// parseCommand decodes one downlink CSV message ("user,pin,value") and
// reports whether it addresses this node (its own label or the
// wildcard). Messages for other nodes are ignored silently, per
// spec.md §4.2.
func (b *Bridge) parseCommand(msg []byte) (byte, bool) {
	fields := strings.Split(strings.TrimSpace(string(msg)), ",")
	if len(fields) != 3 {
		log.Warnf("%v: downlink message %q does not have 3 fields", errs.ErrFrameParseError, msg)
		return 0, false
	}

	user := fields[0]
	if user != b.cfg.Label && user != Wildcard {
		return 0, false
	}

	pin, err := strconv.Atoi(fields[1])
	if err != nil {
		log.Warnf("%v: downlink message %q: bad pin: %v", errs.ErrFrameParseError, msg, err)
		return 0, false
	}
	value, err := strconv.Atoi(fields[2])
	if err != nil {
		log.Warnf("%v: downlink message %q: bad value: %v", errs.ErrFrameParseError, msg, err)
		return 0, false
	}

	cmd, err := actuation.Encode(pin, value != 0)
	if err != nil {
		log.Warnf("nodebridge: %v", err)
		return 0, false
	}
	return cmd, true
}

// buildReading converts raw ADC integers to voltages per spec.md §4.2
// "Unit conversion", applying any configured per-channel post-scale.
func (b *Bridge) buildReading(timestamp float64, channels []float64) frame.Reading {
	r := frame.Reading{
		frame.KeyUser:  b.cfg.Label,
		frame.KeyError: false,
		frame.KeyX:     timestamp,
	}
	for i, raw := range channels {
		key := fmt.Sprintf("ch%d", i)
		v := round5(raw * b.cfg.Vref / float64(b.cfg.AdcMax))
		if scale, ok := b.cfg.PostScale[key]; ok {
			v = round5(v * scale)
		}
		r[key] = v
	}
	return r
}

func round5(v float64) float64 {
	const scale = 1e5
	return math.Round(v*scale) / scale
}

func errorFrame(label string) frame.Reading {
	return frame.Reading{
		frame.KeyUser:  label,
		frame.KeyError: true,
		frame.KeyX:     float64(time.Now().Unix()),
	}
}

func (b *Bridge) sendReading(conn *websocket.Conn, r frame.Reading) {
	data, err := frame.Marshal(r)
	if err != nil {
		log.Warnf("%v: encoding reading: %v", errs.ErrFrameParseError, err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warnf("nodebridge: writing reading: %v", err)
	}
}
