// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package serialsession

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labtelemetry/hub/internal/errs"
)

// fakeTransport is an in-memory stand-in for a real serial port, used
// the way the node CLI's --emulate mode and this package's tests stand
// in for go.bug.st/serial without real hardware.
type fakeTransport struct {
	written    bytes.Buffer
	toRead     []byte
	readErr    error
	closed     bool
	timeoutGet bool // if true, Read returns (0, nil) once toRead is exhausted
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	return f.written.Write(p)
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	if len(f.toRead) == 0 {
		if f.readErr != nil {
			return 0, f.readErr
		}
		if f.timeoutGet {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, f.toRead)
	f.toRead = f.toRead[n:]
	return n, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func TestPollParsesCSVLine(t *testing.T) {
	ft := &fakeTransport{toRead: []byte("1.5,3.3,1.2,\n")}
	s := OpenEmulated(ft, 500*time.Millisecond)

	ts, channels, err := s.Poll(0x41)
	require.NoError(t, err)
	require.Equal(t, 1.5, ts)
	require.Equal(t, []float64{3.3, 1.2}, channels)
	require.Equal(t, []byte{0x41}, ft.written.Bytes())
}

func TestPollOnTimeoutReturnsNilNotError(t *testing.T) {
	ft := &fakeTransport{timeoutGet: true}
	s := OpenEmulated(ft, 500*time.Millisecond)

	ts, channels, err := s.Poll(0x41)
	require.NoError(t, err)
	require.Equal(t, 0.0, ts)
	require.Nil(t, channels)
}

func TestPollOnReadErrorReportsConnectionLost(t *testing.T) {
	ft := &fakeTransport{readErr: errors.New("device unplugged")}
	s := OpenEmulated(ft, 500*time.Millisecond)

	_, _, err := s.Poll(0x41)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrConnectionLost))
}

func TestPollOnMalformedFieldClosesPortAndReportsConnectionLost(t *testing.T) {
	ft := &fakeTransport{toRead: []byte("1.5,notanumber,\n")}
	s := OpenEmulated(ft, 500*time.Millisecond)

	_, _, err := s.Poll(0x41)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrConnectionLost))
	require.True(t, ft.closed)
}

func TestCloseClosesTransport(t *testing.T) {
	ft := &fakeTransport{}
	s := OpenEmulated(ft, time.Second)
	require.NoError(t, s.Close())
	require.True(t, ft.closed)
	require.Equal(t, StateClosed, s.State())
}
