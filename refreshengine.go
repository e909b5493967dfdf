/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package xfrd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/viper"
)

// RegisterZones builds the runtime Zone for every configured zone and
// installs it in the process-wide registry. Timers and master serials
// are reconstructed from the store, so a restart picks up where the
// previous run left off.
func RegisterZones(conf *Config) error {
	for name, zc := range conf.Zones {
		zc.Name = name
		zd, err := NewZoneFromConf(zc, conf.Remotes, conf.Internal.DnssecPolicies, conf.Internal.Store)
		if err != nil {
			return fmt.Errorf("zone %q: %v", name, err)
		}
		Zones.Set(zd.Name, zd)
	}
	return nil
}

// refreshJob is one dequeued refresh for one zone. Force bypasses the
// SOA serial comparison and always transfers.
type refreshJob struct {
	zd    *Zone
	force bool
}

// refreshResult is what a worker reports back to the engine loop once
// an attempt terminates.
type refreshResult struct {
	zone    string
	attempt RefreshAttempt
}

// RefreshEngine is the per-zone scheduler: it owns the event queue for
// every registered zone, dispatches due refreshes onto a shared worker
// pool, and guarantees that at most one refresh per zone is in flight.
// A REFRESH request arriving for a zone that is already refreshing is
// coalesced into a single follow-up run.
func RefreshEngine(ctx context.Context, conf *Config) {

	var zonerefch = conf.Internal.RefreshZoneCh

	if !viper.GetBool("service.refresh") {
		log.Printf("RefreshEngine: NOT active. Will accept refresh requests but skip periodic refreshes.")
		for {
			select {
			case <-ctx.Done():
				log.Printf("RefreshEngine: terminating due to context cancelled (inactive mode)")
				return
			case <-zonerefch:
				// keep draining to keep the channel open
			}
		}
	}

	workers := viper.GetInt("service.refresh_workers")
	if workers < 1 {
		workers = 4
	}

	jobs := make(chan refreshJob, workers)
	results := make(chan refreshResult, workers)
	for i := 0; i < workers; i++ {
		go refreshWorker(ctx, conf, jobs, results)
	}

	// inFlight and queued implement the per-zone serialization and
	// coalescing contract: one attempt at a time, one pending follow-up
	// at most.
	inFlight := map[string]bool{}
	queued := map[string]bool{}
	forced := map[string]bool{}

	dispatch := func(zd *Zone, force bool) {
		if inFlight[zd.Name] {
			queued[zd.Name] = true
			forced[zd.Name] = forced[zd.Name] || force
			return
		}
		inFlight[zd.Name] = true
		select {
		case jobs <- refreshJob{zd: zd, force: force}:
		case <-ctx.Done():
		}
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	log.Printf("RefreshEngine: starting with %d workers", workers)

	for {
		select {
		case <-ctx.Done():
			log.Printf("RefreshEngine: terminating due to context cancelled")
			flushAllTimers()
			return

		case zr, ok := <-zonerefch:
			if !ok {
				log.Printf("RefreshEngine: terminating due to refresh channel closed")
				flushAllTimers()
				return
			}
			resp := RefresherResponse{Zone: zr.Name, Time: time.Now()}
			zd, exist := Zones.Get(dns.Fqdn(zr.Name))
			if !exist {
				resp.Error = true
				resp.ErrorMsg = fmt.Sprintf("RefreshEngine: request to refresh unknown zone %q", zr.Name)
				log.Printf("%s", resp.ErrorMsg)
			} else {
				resp.Msg = fmt.Sprintf("RefreshEngine: zone %s refreshing (force=%v)", zd.Name, zr.Force)
				dispatch(zd, zr.Force)
			}
			if zr.Response != nil {
				zr.Response <- resp
			}

		case res := <-results:
			delete(inFlight, res.zone)
			zd, exist := Zones.Get(res.zone)
			if !exist {
				continue
			}
			if res.attempt.MoreXfr {
				// ixfr_by_one consumed only the first changeset; go again
				// right away for the remainder.
				dispatch(zd, false)
				continue
			}
			if queued[res.zone] {
				delete(queued, res.zone)
				f := forced[res.zone]
				delete(forced, res.zone)
				dispatch(zd, f)
			}

		case now := <-ticker.C:
			for _, zd := range Zones.Items() {
				if zd.ZoneType != Secondary {
					continue
				}
				// Timers are only written by an in-flight attempt, so
				// reading them is safe once the zone is known idle.
				if inFlight[zd.Name] {
					continue
				}
				zd.CheckExpired(now)
				if zd.Timers.NextRefresh.IsZero() || !now.Before(zd.Timers.NextRefresh) {
					dispatch(zd, false)
				}
			}
		}
	}
}

func refreshWorker(ctx context.Context, conf *Config, jobs <-chan refreshJob, results chan<- refreshResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			attempt := runRefreshJob(ctx, conf, job)
			select {
			case results <- refreshResult{zone: job.zd.Name, attempt: attempt}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runRefreshJob runs one refresh attempt and its post-commit side
// effects: clearing the expired flag and fanning a NOTIFY out to the
// zone's downstreams when the local serial changed.
func runRefreshJob(ctx context.Context, conf *Config, job refreshJob) RefreshAttempt {
	zd := job.zd

	attempt := RefreshZone(ctx, zd, job.force)

	if attempt.Result == ResultDone && attempt.Serial != attempt.OldSerial {
		zd.Expired = false
		if conf.Internal.NotifyQ != nil {
			targets := notifyTargets(zd)
			if len(targets) > 0 {
				conf.Internal.NotifyQ <- NotifyRequest{ZoneName: zd.Name, Targets: targets}
			}
		}
		if zd.DnssecSigning && conf.Internal.ResignQ != nil {
			select {
			case conf.Internal.ResignQ <- zd:
			default:
			}
		}
	}
	return attempt
}

// notifyTargets collects the downstream NOTIFY targets for a zone from
// the apex in-bailiwick NS names.
func notifyTargets(zd *Zone) []string {
	var out []string
	names, err := zd.DownstreamNS()
	if err != nil {
		zd.Logger.Printf("notify: zone %s: cannot determine downstream NS: %v", zd.Name, err)
		return out
	}
	for _, n := range names {
		out = append(out, ensurePort(n, "53"))
	}
	return out
}

// flushAllTimers persists every zone's schedule state; called once on
// shutdown so a restart resumes with accurate next_refresh values.
func flushAllTimers() {
	for _, zd := range Zones.Items() {
		if zd.Store == nil {
			continue
		}
		if err := zd.Store.SaveTimers(zd.Name, zd.Timers); err != nil {
			log.Printf("RefreshEngine: failed to flush timers for zone %s: %v", zd.Name, err)
		}
	}
}
