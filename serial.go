/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SerialOrder is the result of comparing two serials under RFC 1982
// sequence-space arithmetic.
type SerialOrder uint8

const (
	SerialLess SerialOrder = iota
	SerialEqual
	SerialGreater
	SerialIncomparable
)

// CompareSerial implements the RFC 1982 comparison of two unsigned
// 32-bit serial numbers.
func CompareSerial(a, b uint32) SerialOrder {
	if a == b {
		return SerialEqual
	}
	const half = uint32(1) << 31
	if (a < b && b-a < half) || (a > b && a-b > half) {
		return SerialLess
	}
	if (a < b && b-a > half) || (a > b && a-b < half) {
		return SerialGreater
	}
	return SerialIncomparable
}

// SerialLessThan reports whether a precedes b under RFC 1982, treating
// an incomparable pair as not-less-than (the caller must decide what
// to do with that case; it is rare in practice and indicates a serial
// that jumped more than 2^31 in one step).
func SerialLessThan(a, b uint32) bool {
	return CompareSerial(a, b) == SerialLess
}

// SerialPolicy selects how a new serial is derived from the previous
// one when this engine itself mints a serial (local re-signing). The
// modulo alignment is not a policy of its own: it layers on top of
// whichever policy produced the base serial.
type SerialPolicy string

const (
	PolicyIncrement  SerialPolicy = "increment"
	PolicyUnixtime   SerialPolicy = "unixtime"
	PolicyDateserial SerialPolicy = "dateserial"
)

// InvalidPolicyError reports a malformed serial policy specification.
type InvalidPolicyError struct {
	Reason string
}

func (e *InvalidPolicyError) Error() string {
	return fmt.Sprintf("invalid serial policy: %s", e.Reason)
}

// ModuloSpec is a parsed "R/M[+A]" modulo-policy specification.
type ModuloSpec struct {
	Remainder uint32
	Modulus   uint32
	Shift     int64
}

// ParseModuloSpec parses "R/M" or "R/M+A" / "R/M-A".
func ParseModuloSpec(spec string) (ModuloSpec, error) {
	var ms ModuloSpec
	rest := spec
	sign := int64(1)
	if idx := strings.IndexAny(rest, "+-"); idx >= 0 {
		if rest[idx] == '-' {
			sign = -1
		}
		shiftStr := rest[idx+1:]
		rest = rest[:idx]
		shift, err := strconv.ParseInt(shiftStr, 10, 64)
		if err != nil {
			return ms, &InvalidPolicyError{Reason: fmt.Sprintf("bad shift %q: %v", shiftStr, err)}
		}
		ms.Shift = sign * shift
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return ms, &InvalidPolicyError{Reason: fmt.Sprintf("expected R/M, got %q", spec)}
	}
	r, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return ms, &InvalidPolicyError{Reason: fmt.Sprintf("bad remainder %q: %v", parts[0], err)}
	}
	m, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return ms, &InvalidPolicyError{Reason: fmt.Sprintf("bad modulus %q: %v", parts[1], err)}
	}
	ms.Remainder = uint32(r)
	ms.Modulus = uint32(m)

	if ms.Shift > 2_000_000_000 || ms.Shift < -2_000_000_000 {
		return ms, &InvalidPolicyError{Reason: "|A| > 2*10^9"}
	}
	if ms.Modulus > 256 {
		return ms, &InvalidPolicyError{Reason: "M > 256"}
	}
	if ms.Remainder >= ms.Modulus {
		return ms, &InvalidPolicyError{Reason: "R >= M"}
	}
	return ms, nil
}

// NextSerial computes the next serial to publish given the previous
// one, under the given policy. increment is only consulted for
// PolicyIncrement. When modulo is non-nil (already validated via
// ParseModuloSpec) the base serial is additionally aligned to it,
// whatever policy produced the base.
func NextSerial(prev uint32, policy SerialPolicy, increment uint32, modulo *ModuloSpec, now time.Time) (uint32, error) {
	var base uint32

	switch policy {
	case PolicyIncrement:
		if increment == 0 {
			return 0, &InvalidPolicyError{Reason: "increment must be > 0"}
		}
		base = prev + increment

	case PolicyUnixtime:
		unix := uint32(now.Unix())
		if SerialLessThan(unix, prev+1) {
			base = prev + 1
		} else {
			base = unix
		}

	case PolicyDateserial:
		today := dateserialBase(now)
		if SerialLessThan(today, prev+1) {
			base = prev + 1
		} else {
			base = today
		}

	default:
		return 0, &InvalidPolicyError{Reason: fmt.Sprintf("unknown policy %q", policy)}
	}

	if modulo == nil || modulo.Modulus <= 1 {
		return base, nil
	}
	return alignModulo(base, *modulo), nil
}

// dateserialBase computes YYYYMMDD00 for the given time, the lowest
// "nn" sequence number for today under the dateserial convention.
func dateserialBase(now time.Time) uint32 {
	y, m, d := now.Date()
	return uint32(y)*1000000 + uint32(m)*10000 + uint32(d)*100
}

// alignModulo shifts base (optionally offset by spec.Shift) up to the
// next value congruent to spec.Remainder modulo spec.Modulus, never
// decreasing under RFC 1982.
func alignModulo(base uint32, spec ModuloSpec) uint32 {
	shifted := int64(base) + spec.Shift
	if shifted < 0 {
		shifted = 0
	}
	v := uint32(shifted)
	rem := v % spec.Modulus
	if rem == spec.Remainder {
		return v
	}
	var delta uint32
	if spec.Remainder > rem {
		delta = spec.Remainder - rem
	} else {
		delta = spec.Modulus - (rem - spec.Remainder)
	}
	return v + delta
}
