/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"math"
	"math/rand"
	"time"
)

// TimerInputs are the values the planner needs to compute the next
// refresh/expire schedule for one zone, gathered from the SOA/EDNS
// response and the zone's operator-configured bounds.
type TimerInputs struct {
	SoaRefresh time.Duration
	SoaRetry   time.Duration
	SoaExpire  time.Duration
	EdnsExpire time.Duration // used only when HasEdnsExpire is set; 0 then means expire now
	HasEdnsExpire bool

	Options ZoneOptions
	Catalog bool

	Now time.Time
}

func clamp(d, min, max time.Duration) time.Duration {
	if min > 0 && d < min {
		d = min
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// PlanSuccess computes the post-success timer state: EDNS
// EXPIRE takes precedence over the SOA EXPIRE field, expire_min is
// only enforced when the value did not come from EDNS, and catalog
// zones pin next_expire to zero.
func PlanSuccess(in TimerInputs) ZoneTimers {
	expire := in.SoaExpire
	if in.HasEdnsExpire && in.EdnsExpire < expire {
		expire = in.EdnsExpire
	}

	if in.HasEdnsExpire {
		expire = clamp(expire, 0, in.Options.ExpireMaxInterval)
	} else {
		expire = clamp(expire, in.Options.ExpireMinInterval, in.Options.ExpireMaxInterval)
	}

	var nextExpire time.Time
	if !in.Catalog {
		nextExpire = in.Now.Add(expire)
	}

	refresh := clamp(in.SoaRefresh, in.Options.RefreshMinInterval, in.Options.RefreshMaxInterval)

	return ZoneTimers{
		NextRefresh:   in.Now.Add(refresh),
		NextExpire:    nextExpire,
		LastRefreshOK: true,
	}
}

// PlanFailure computes the post-failure retry schedule: a clamped SOA
// retry interval for a zone that has bootstrapped before, or a
// quadratic bootstrap backoff (5*count^2 seconds, capped at two
// hours, plus 0-29s jitter) for one that never has.
func PlanFailure(in TimerInputs, bootstrapped bool, bootstrapCount int) (next time.Time, newCount int) {
	if bootstrapped {
		retry := clamp(in.SoaRetry, in.Options.RetryMinInterval, in.Options.RetryMaxInterval)
		return in.Now.Add(retry), bootstrapCount
	}
	return in.Now.Add(BootstrapBackoff(bootstrapCount)), bootstrapCount + 1
}

// BootstrapBackoff returns the delay before the (count+1)th bootstrap
// attempt: 5*count^2 seconds, capped at two hours, plus a uniform
// jitter of 0-29 seconds.
func BootstrapBackoff(count int) time.Duration {
	secs := 5 * math.Pow(float64(count), 2)
	d := time.Duration(secs) * time.Second
	if d > DefaultBootstrapCap {
		d = DefaultBootstrapCap
	}
	jitter := time.Duration(rand.Intn(30)) * time.Second
	return d + jitter
}
