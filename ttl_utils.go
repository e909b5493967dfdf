/*
 * Copyright (c) 2025 Johan Stenstam
 */
package xfrd

import (
	"fmt"
	"time"
)

// TtlPrint returns a human-friendly rendering of the time remaining
// until expiration, for the refresh success log's expires_in field.
// If the expiration time has passed, it returns "expired".
func TtlPrint(expiration time.Time) string {
	d := time.Until(expiration)
	if d <= 0 {
		return "expired"
	}
	d = d.Truncate(time.Second)
	total := int(d.Seconds())

	hours := total / 3600
	rem := total % 3600
	mins := rem / 60
	secs := rem % 60

	out := ""
	if hours > 0 {
		out += fmt.Sprintf("%dh", hours)
	}
	if mins > 0 {
		out += fmt.Sprintf("%dm", mins)
	}
	if secs > 0 || out == "" {
		out += fmt.Sprintf("%ds", secs)
	}
	return out
}
