/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"errors"
	"testing"
	"time"
)

func TestCompareSerial(t *testing.T) {
	tests := []struct {
		a, b uint32
		want SerialOrder
	}{
		{1, 1, SerialEqual},
		{1, 2, SerialLess},
		{2, 1, SerialGreater},
		{0, 2147483647, SerialLess},
		{0, 2147483648, SerialIncomparable}, // exactly 2^31 apart
		{4294967295, 0, SerialLess},         // wrap at 2^32
		{0, 4294967295, SerialGreater},
		{2147483648, 0, SerialIncomparable}, // exactly 2^31 apart
		{100, 2147483748, SerialIncomparable},
	}
	for _, tc := range tests {
		if got := CompareSerial(tc.a, tc.b); got != tc.want {
			t.Errorf("CompareSerial(%d, %d) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestNextSerialIncrement(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	got, err := NextSerial(100, PolicyIncrement, 1, nil, now)
	if err != nil || got != 101 {
		t.Errorf("increment: got %d, %v; want 101", got, err)
	}

	// Wrap around 2^32 never decreases under RFC 1982.
	got, err = NextSerial(4294967295, PolicyIncrement, 2, nil, now)
	if err != nil || got != 1 {
		t.Errorf("increment wrap: got %d, %v; want 1", got, err)
	}
	if CompareSerial(4294967295, got) != SerialLess {
		t.Errorf("wrapped serial %d does not follow 4294967295 under RFC 1982", got)
	}

	if _, err := NextSerial(1, PolicyIncrement, 0, nil, now); err == nil {
		t.Error("increment 0 should be rejected")
	}
}

func TestNextSerialUnixtime(t *testing.T) {
	now := time.Unix(1700000000, 0)

	got, err := NextSerial(100, PolicyUnixtime, 0, nil, now)
	if err != nil || got != 1700000000 {
		t.Errorf("unixtime: got %d, %v; want 1700000000", got, err)
	}

	// Previous serial already past now: fall back to prev+1.
	got, err = NextSerial(1700000050, PolicyUnixtime, 0, nil, now)
	if err != nil || got != 1700000051 {
		t.Errorf("unixtime past: got %d, %v; want 1700000051", got, err)
	}
}

func TestNextSerialDateserial(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	got, err := NextSerial(100, PolicyDateserial, 0, nil, now)
	if err != nil || got != 2025031400 {
		t.Errorf("dateserial: got %d, %v; want 2025031400", got, err)
	}

	got, err = NextSerial(2025031442, PolicyDateserial, 0, nil, now)
	if err != nil || got != 2025031443 {
		t.Errorf("dateserial same day: got %d, %v; want 2025031443", got, err)
	}
}

func TestParseModuloSpec(t *testing.T) {
	ms, err := ParseModuloSpec("3/7")
	if err != nil {
		t.Fatalf("ParseModuloSpec(3/7): %v", err)
	}
	if ms.Remainder != 3 || ms.Modulus != 7 || ms.Shift != 0 {
		t.Errorf("ParseModuloSpec(3/7) = %+v", ms)
	}

	ms, err = ParseModuloSpec("1/4+100")
	if err != nil {
		t.Fatalf("ParseModuloSpec(1/4+100): %v", err)
	}
	if ms.Shift != 100 {
		t.Errorf("shift = %d, want 100", ms.Shift)
	}

	ms, err = ParseModuloSpec("1/4-100")
	if err != nil {
		t.Fatalf("ParseModuloSpec(1/4-100): %v", err)
	}
	if ms.Shift != -100 {
		t.Errorf("shift = %d, want -100", ms.Shift)
	}

	for _, bad := range []string{"7", "5/4", "4/4", "0/300", "1/4+3000000000", "x/y"} {
		_, err := ParseModuloSpec(bad)
		if err == nil {
			t.Errorf("ParseModuloSpec(%q) should fail", bad)
			continue
		}
		var ipe *InvalidPolicyError
		if !errors.As(err, &ipe) {
			t.Errorf("ParseModuloSpec(%q) error is %T, want *InvalidPolicyError", bad, err)
		}
	}
}

func TestNextSerialModuloComposesWithAnyPolicy(t *testing.T) {
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	ms := ModuloSpec{Remainder: 3, Modulus: 7}

	// The alignment layers on top of the configured base policy.
	got, err := NextSerial(100, PolicyIncrement, 1, &ms, now)
	if err != nil {
		t.Fatalf("increment+modulo: %v", err)
	}
	if got%7 != 3 {
		t.Errorf("increment+modulo: got %d, want congruent to 3 mod 7", got)
	}
	if CompareSerial(100, got) != SerialLess {
		t.Errorf("increment+modulo: %d does not follow 100 under RFC 1982", got)
	}

	got, err = NextSerial(100, PolicyDateserial, 0, &ms, now)
	if err != nil {
		t.Fatalf("dateserial+modulo: %v", err)
	}
	if got%7 != 3 {
		t.Errorf("dateserial+modulo: got %d, want congruent to 3 mod 7", got)
	}
	if got < 2025031400 {
		t.Errorf("dateserial+modulo: got %d, want at least today's dateserial base", got)
	}

	got, err = NextSerial(100, PolicyUnixtime, 0, &ms, now)
	if err != nil {
		t.Fatalf("unixtime+modulo: %v", err)
	}
	if got%7 != 3 {
		t.Errorf("unixtime+modulo: got %d, want congruent to 3 mod 7", got)
	}

	// No modulo spec: the base passes through untouched.
	got, err = NextSerial(100, PolicyIncrement, 1, nil, now)
	if err != nil || got != 101 {
		t.Errorf("increment without modulo: got %d, %v; want 101", got, err)
	}
}
