// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package actuation encodes/decodes the single-byte actuation commands
// sent down the serial link, per spec.md §4.1 and the pin-range decision
// in DESIGN.md ("Pin range").
package actuation

import (
	"fmt"
)

// Base is the byte value ('A') pin 0 HIGH is offset from.
const Base byte = 0x41

// MaxPin is the largest pin number this implementation supports.
// Restricting the range avoids the undefined behavior spec.md §9 flags:
// LOW-encoded pins above this would collide with '\n' (0x0A) or
// '\r' (0x0D) once the byte wraps below 0x20.
const MaxPin = 30

// Heartbeat is the synthetic no-op command byte (pin 'A', i.e. Base).
const Heartbeat = Base

// Encode maps a pin number and logical value to its single-byte command.
// Pin k HIGH -> Base+k. Pin k LOW -> Base-1-k (the distinct negative
// encoding avoids collision with pin 0 HIGH at the same byte).
func Encode(pin int, high bool) (byte, error) {
	if pin < 0 || pin > MaxPin {
		return 0, fmt.Errorf("actuation: pin %d out of supported range [0,%d]", pin, MaxPin)
	}

	if high {
		return Base + byte(pin), nil
	}

	return Base - 1 - byte(pin), nil
}

// Decode is the inverse of Encode, used by tests to validate the pin
// encoding round-trips per spec.md §8.
func Decode(b byte) (pin int, high bool, err error) {
	if b >= Base && int(b)-int(Base) <= MaxPin {
		return int(b) - int(Base), true, nil
	}

	if b < Base && int(Base)-1-int(b) <= MaxPin {
		return int(Base) - 1 - int(b), false, nil
	}

	return 0, false, fmt.Errorf("actuation: byte %#x does not decode to a supported pin command", b)
}
