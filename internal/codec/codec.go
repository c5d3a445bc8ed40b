// Package codec encodes window-covering positions into the actuator's
// set-position frame.
//
// Frame layout (9 bytes):
//
//	00 FF 00 00 9A | 0D | B0 B1 B2
//	header           tag  body
//
// The body is the device-native value (100..164, inverted relative to the
// public 0..100 percentage) rendered as "0" + decimal digits, followed by
// two tag nibbles looked up from fixed substitution tables, then read back
// as three hex byte pairs.
package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// Native position range of the actuator.
const (
	DeviceMin = 100
	DeviceMax = 164
)

// Public position range.
const (
	PercentMin = 0
	PercentMax = 100
)

// FrameLen is the length of every set-position frame.
const FrameLen = len(header) + 1 + 3

// Tag is the command byte that follows the header.
const Tag byte = 0x0D

var header = [5]byte{0x00, 0xFF, 0x00, 0x00, 0x9A}

// Header returns a copy of the fixed frame header.
func Header() [5]byte { return header }

// Substitution tables indexed by hex digit value. Protocol constants; they
// must match what the actuator firmware accepts.
const (
	conversion3_1 = "67452301efcdab89"
	conversion4_2 = "98badcfe10325476"
)

// ErrOutOfRange is returned for percentages outside 0..100.
var ErrOutOfRange = errors.New("position out of range")

// CheckPercent reports whether percent is a valid public position.
func CheckPercent(percent int) error {
	if percent < PercentMin || percent > PercentMax {
		return fmt.Errorf("%w: %d (want %d-%d)", ErrOutOfRange, percent, PercentMin, PercentMax)
	}
	return nil
}

// DeviceValue maps a percentage to the actuator's native scale.
// 100% (open) maps to DeviceMin and 0% maps to DeviceMax.
func DeviceValue(percent int) (int, error) {
	if err := CheckPercent(percent); err != nil {
		return 0, err
	}
	// floor((100-p)/100 * span + min), kept in integers.
	return (PercentMax-percent)*(DeviceMax-DeviceMin)/PercentMax + DeviceMin, nil
}

// EncodePosition builds the set-position frame for percent.
func EncodePosition(percent int) ([]byte, error) {
	value, err := DeviceValue(percent)
	if err != nil {
		return nil, err
	}
	body, err := encodeBody(value)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, FrameLen)
	frame = append(frame, header[:]...)
	frame = append(frame, Tag)
	return append(frame, body...), nil
}

// MustEncodePosition is like EncodePosition but panics on invalid input.
func MustEncodePosition(percent int) []byte {
	frame, err := EncodePosition(percent)
	if err != nil {
		panic(err)
	}
	return frame
}

func encodeBody(value int) ([]byte, error) {
	digits := "0" + strconv.Itoa(value)
	if len(digits) != 4 {
		return nil, fmt.Errorf("device value %d: want 3 digits", value)
	}
	a, err := nibble(digits[2])
	if err != nil {
		return nil, err
	}
	b, err := nibble(digits[3])
	if err != nil {
		return nil, err
	}
	s := digits + string(conversion4_2[a]) + string(conversion3_1[b])
	body, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode body %q: %w", s, err)
	}
	return body, nil
}

func nibble(c byte) (int, error) {
	n, err := strconv.ParseUint(string(c), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("nibble %q: %w", c, err)
	}
	return int(n), nil
}
