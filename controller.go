/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"context"
	"fmt"
	"time"

	"github.com/dnsxfr/xfrd/ixfr"
	"github.com/miekg/dns"
	"github.com/spf13/viper"
)

// minSignedExpire is the EDNS EXPIRE floor below which a transfer from
// a signed source is ignored outright rather than committed.
const minSignedExpire = 2 * time.Second

// RefreshZone runs one refresh cycle for zd: Begin -> SoaQuery ->
// Transfer -> finalize -> timer plan, trying each configured remote in
// turn until one produces a terminal (non-peer-fallback) result. force
// bypasses the serial comparison and always transfers via AXFR.
func RefreshZone(ctx context.Context, zd *Zone, force bool) RefreshAttempt {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	if len(zd.Remotes) == 0 {
		return RefreshAttempt{Zone: zd.Name, Result: ResultFail, Err: fmt.Errorf("refresh: zone %q has no configured remotes", zd.Name)}
	}

	var last RefreshAttempt
	for _, remote := range zd.Remotes {
		attempt := refreshOneAttempt(ctx, zd, remote, force)
		last = attempt
		if attempt.Result != ResultFail || attempt.Fallback != FallbackNextPeer {
			break
		}
	}

	if last.Result == ResultFail {
		planFailedAttempt(zd)
	}
	logAttempt(zd, last)
	return last
}

// planFailedAttempt schedules the retry after a terminal failure: a
// clamped SOA retry for a zone with contents, or the growing bootstrap
// backoff for one that never transferred successfully.
func planFailedAttempt(zd *Zone) {
	in := timerInputsForZone(zd, 0, false, 0)
	bootstrapped := zd.contents.Load() != nil
	next, count := PlanFailure(in, bootstrapped, zd.Timers.BootstrapCount)
	zd.Timers.NextRefresh = next
	zd.Timers.LastRefreshOK = false
	zd.Timers.BootstrapCount = count
	persistTimers(zd)
}

func logAttempt(zd *Zone, a RefreshAttempt) {
	switch a.Result {
	case ResultFail:
		zd.Logger.Printf("refresh: zone %s: ERROR peer=%s kind=%v next_retry_at=%s",
			zd.Name, a.Peer, a.Err, zd.Timers.NextRefresh.Format(time.RFC3339))
	case ResultIgnore:
		zd.Logger.Printf("refresh: zone %s: attempt ignored peer=%s", zd.Name, a.Peer)
	default:
		zd.Logger.Printf("refresh: zone %s: done duration=%s old_serial=%d new_serial=%d remote_serial=%d expires_in=%s peer=%s xfr=%s",
			zd.Name, time.Since(a.StartedAt).Truncate(time.Millisecond), a.OldSerial, a.Serial,
			zd.MasterSerial, TtlPrint(zd.Timers.NextExpire), a.Peer, a.XfrType)
	}
}

func remoteAddr(remote *Remote) string {
	if remote == nil || len(remote.Addresses) == 0 {
		return ""
	}
	return remote.Addresses[0]
}

func remoteIoTimeout() time.Duration {
	secs := viper.GetInt("service.remote_io_timeout")
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

func refreshOneAttempt(ctx context.Context, zd *Zone, remote *Remote, force bool) RefreshAttempt {
	attempt := RefreshAttempt{Zone: zd.Name, Peer: remoteAddr(remote), StartedAt: time.Now()}

	cur := zd.contents.Load()
	if cur != nil && cur.ApexSOA != nil {
		attempt.OldSerial = cur.ApexSOA.Serial
		attempt.Serial = cur.ApexSOA.Serial
	}

	forceAxfr := force || cur == nil || cur.ApexSOA == nil

	var probeExpire time.Duration
	var probeHasExpire bool

	if cur != nil && cur.ApexSOA != nil && !force {
		outcome, err := soaQuery(ctx, zd, remote, cur.ApexSOA.Serial)
		if err != nil {
			attempt.Result = ResultFail
			attempt.Fallback = FallbackNextPeer
			attempt.Err = err
			return attempt
		}

		switch outcome.kind {
		case soaDenied:
			attempt.Result = ResultFail
			attempt.Fallback = FallbackNextPeer
			attempt.Err = &DeniedError{Zone: zd.Name, Rcode: outcome.rcode}
			return attempt

		case soaMalformed:
			if !zd.Options.SemanticChecksSoft {
				attempt.Result = ResultFail
				attempt.Err = &MalformedError{Zone: zd.Name, Reason: outcome.reason}
				return attempt
			}
			forceAxfr = true

		case soaPinHold:
			// Delayed retry: once pin_tol has elapsed since the first
			// hit this peer is accepted and forced to AXFR.
			zd.Timers.NextRefresh = zd.Timers.MasterPinHit.Add(remote.PinTolerance)
			persistTimers(zd)
			attempt.XfrType = "soa"
			attempt.Result = ResultDone
			return attempt

		case soaPinForceAxfr:
			forceAxfr = true

		case soaWeAhead:
			zd.Logger.Printf("refresh: zone %s: local serial %d is ahead of peer %s", zd.Name, cur.ApexSOA.Serial, attempt.Peer)
			// Skip the expire-timer update; only the refresh timer moves.
			in := timerInputsForZone(zd, 0, false, 0)
			refresh := clamp(in.SoaRefresh, zd.Options.RefreshMinInterval, zd.Options.RefreshMaxInterval)
			zd.Timers.NextRefresh = in.Now.Add(refresh)
			zd.Timers.LastRefreshOK = true
			persistTimers(zd)
			attempt.XfrType = "soa"
			attempt.Result = ResultDone
			return attempt

		case soaBothCurrent:
			applyTimerSuccess(zd, timerInputsForZone(zd, outcome.ednsExpire, outcome.hasEdnsExpire, 0))
			persistTimers(zd)
			attempt.XfrType = "soa"
			attempt.Result = ResultDone
			return attempt

		case soaRemoteAhead:
			probeExpire = outcome.ednsExpire
			probeHasExpire = outcome.hasEdnsExpire
		}
	}

	return transferPhase(ctx, zd, remote, zd.contents.Load(), forceAxfr, probeExpire, probeHasExpire, attempt)
}

type soaOutcomeKind uint8

const (
	soaDenied soaOutcomeKind = iota
	soaMalformed
	soaPinHold
	soaPinForceAxfr
	soaWeAhead
	soaBothCurrent
	soaRemoteAhead
)

type soaOutcome struct {
	kind          soaOutcomeKind
	rcode         int
	reason        string
	ednsExpire    time.Duration
	hasEdnsExpire bool
}

func soaQuery(ctx context.Context, zd *Zone, remote *Remote, localSerial uint32) (soaOutcome, error) {
	req := NewRequestor(remote, remoteIoTimeout())
	tc := tsigContextFor(remote)
	q, err := BuildQuery(Question{Origin: zd.Name, Qtype: dns.TypeSOA, RequestExpire: true}, remote, tc)
	if err != nil {
		return soaOutcome{}, err
	}

	resp, err := req.Exchange(ctx, q)
	if err != nil {
		return soaOutcome{}, err
	}

	if resp.Rcode != dns.RcodeSuccess {
		return soaOutcome{kind: soaDenied, rcode: resp.Rcode}, nil
	}

	var soa *dns.SOA
	for _, rr := range resp.Answer {
		if s, ok := rr.(*dns.SOA); ok {
			soa = s
			break
		}
	}
	if soa == nil {
		return soaOutcome{kind: soaMalformed, reason: "SOA query answer has no SOA record"}, nil
	}

	expireVal, hasExpire, err := ParseExpire(resp)
	if err != nil {
		return soaOutcome{}, err
	}
	ednsExpire := time.Duration(expireVal) * time.Second

	switch CompareSerial(soa.Serial, localSerial) {
	case SerialEqual:
		return soaOutcome{kind: soaBothCurrent, ednsExpire: ednsExpire, hasEdnsExpire: hasExpire}, nil
	case SerialLess:
		return soaOutcome{kind: soaWeAhead}, nil
	case SerialIncomparable:
		return soaOutcome{kind: soaMalformed, reason: "remote serial is incomparable to local serial under RFC 1982"}, nil
	}

	// Remote serial is strictly greater: pinned-master guard. While the
	// pin window is open a transfer from anyone but last_master is held.
	if remote.PinTolerance > 0 && !sameAddress(zd.Timers.LastMaster, remoteAddr(remote)) {
		now := time.Now()
		if zd.Timers.MasterPinHit.IsZero() {
			zd.Timers.MasterPinHit = now
			persistTimers(zd)
		}
		if now.Sub(zd.Timers.MasterPinHit) < remote.PinTolerance {
			return soaOutcome{kind: soaPinHold}, nil
		}
		zd.Timers.MasterPinHit = time.Time{}
		return soaOutcome{kind: soaPinForceAxfr}, nil
	}

	return soaOutcome{kind: soaRemoteAhead, ednsExpire: ednsExpire, hasEdnsExpire: hasExpire}, nil
}

func sameAddress(a, b string) bool {
	return a != "" && a == b
}

func tsigContextFor(remote *Remote) *TsigContext {
	if remote.TsigKeyName == "" {
		return &TsigContext{}
	}
	return NewTsigContext(remote.TsigKeyName, remote.TsigAlgorithm, remote.TsigSecret)
}

func timerInputsForZone(zd *Zone, ednsExpire time.Duration, hasEdnsExpire bool, soaRefresh time.Duration) TimerInputs {
	return timerInputsForZoneFromTree(zd.contents.Load(), zd.Options, zd.Catalog, ednsExpire, hasEdnsExpire, soaRefresh)
}

func timerInputsForZoneFromTree(tree *ZoneContents, opts ZoneOptions, catalog bool, ednsExpire time.Duration, hasEdnsExpire bool, soaRefresh time.Duration) TimerInputs {
	var soaExpire, refresh, retry time.Duration
	if tree != nil && tree.ApexSOA != nil {
		soaExpire = time.Duration(tree.ApexSOA.Expire) * time.Second
		refresh = time.Duration(tree.ApexSOA.Refresh) * time.Second
		retry = time.Duration(tree.ApexSOA.Retry) * time.Second
	}
	if soaRefresh > 0 {
		refresh = soaRefresh
	}
	return TimerInputs{
		SoaRefresh: refresh, SoaRetry: retry, SoaExpire: soaExpire,
		EdnsExpire: ednsExpire, HasEdnsExpire: hasEdnsExpire,
		Options: opts, Catalog: catalog, Now: time.Now(),
	}
}

// applyTimerSuccess merges a freshly planned success schedule into the
// zone's persistent timer state, preserving last_master and clearing
// the master-pin window.
func applyTimerSuccess(zd *Zone, in TimerInputs) {
	planned := PlanSuccess(in)
	zd.Timers.NextRefresh = planned.NextRefresh
	zd.Timers.NextExpire = planned.NextExpire
	zd.Timers.LastRefreshOK = true
	zd.Timers.MasterPinHit = time.Time{}
}

func persistTimers(zd *Zone) {
	if zd.Store == nil {
		return
	}
	if err := zd.Store.SaveTimers(zd.Name, zd.Timers); err != nil {
		zd.Logger.Printf("refresh: zone %s: failed to persist timers: %v", zd.Name, err)
	}
}

// transferPhase builds and runs the IXFR-or-AXFR question, with
// IXFR->AXFR in-band fallback, and dispatches to the matching finalize
// path.
func transferPhase(ctx context.Context, zd *Zone, remote *Remote, cur *ZoneContents, forceAxfr bool, ednsExpire time.Duration, hasEdnsExpire bool, attempt RefreshAttempt) RefreshAttempt {
	// A signed source advertising an EXPIRE shorter than the floor is
	// not worth committing; ignore the attempt without touching timers.
	if zd.DnssecSigning && hasEdnsExpire && ednsExpire < minSignedExpire {
		attempt.Result = ResultIgnore
		return attempt
	}

	req := NewRequestor(remote, remoteIoTimeout())
	tc := tsigContextFor(remote)

	useIxfr := !forceAxfr && cur != nil && cur.ApexSOA != nil
	qtype := dns.TypeAXFR
	attempt.XfrType = "axfr"
	var authority *dns.SOA
	if useIxfr {
		qtype = dns.TypeIXFR
		attempt.XfrType = "ixfr"
		authority = cur.ApexSOA
	}

	q, err := BuildQuery(Question{Origin: zd.Name, Qtype: qtype, AuthoritySOA: authority, RequestExpire: true}, remote, tc)
	if err != nil {
		return failAttempt(attempt, err, FallbackNone)
	}

	envs, err := req.StreamTransfer(ctx, q)
	if err != nil {
		return failAttempt(attempt, err, FallbackNextPeer)
	}

	if useIxfr {
		consumer := ixfr.NewConsumer(cur.ApexSOA.Serial)
		consumer.ByOne = zd.Options.IxfrByOne
		rerr := feedIxfr(zd, envs, consumer, &attempt)
		attempt.Bytes += consumer.ChangeBytes()
		if rerr != nil {
			// IXFR failed structurally: fall back to AXFR on a fresh
			// stream, unless the transport itself is broken.
			if _, isIO := rerr.(*IoFailureError); isIO {
				return failAttempt(attempt, rerr, FallbackNextPeer)
			}
			attempt.Fallback = FallbackIxfrToAxfr
			attempt.XfrType = "axfr"
			q, err = BuildQuery(Question{Origin: zd.Name, Qtype: dns.TypeAXFR, RequestExpire: true}, remote, tc)
			if err != nil {
				return failAttempt(attempt, err, FallbackNone)
			}
			envs, err = req.StreamTransfer(ctx, q)
			if err != nil {
				return failAttempt(attempt, err, FallbackNextPeer)
			}
			return finalizeAxfrStream(zd, remote, envs, ednsExpire, hasEdnsExpire, attempt)
		}

		if consumer.UpToDate {
			applyTimerSuccess(zd, timerInputsForZone(zd, ednsExpire, hasEdnsExpire, 0))
			persistTimers(zd)
			attempt.Result = ResultDone
			return attempt
		}
		result, rerr := consumer.Result()
		if rerr != nil {
			return failAttempt(attempt, rerr, FallbackNone)
		}
		if result.IsAxfr {
			return finalizeAxfrResult(zd, remote, result.AxfrRRs, ednsExpire, hasEdnsExpire, attempt)
		}
		return finalizeIxfr(zd, remote, result, ednsExpire, hasEdnsExpire, attempt)
	}

	return finalizeAxfrStream(zd, remote, envs, ednsExpire, hasEdnsExpire, attempt)
}

func failAttempt(attempt RefreshAttempt, err error, fb FallbackReason) RefreshAttempt {
	attempt.Result = ResultFail
	attempt.Err = err
	attempt.Fallback = fb
	return attempt
}

// feedIxfr drains envs into consumer, enforcing the change-size guard.
// A nil return means the consumer reached a successful terminal state.
func feedIxfr(zd *Zone, envs chan TransferEnvelope, consumer *ixfr.Consumer, attempt *RefreshAttempt) error {
	defer drainEnvelopes(envs)
	maxSize := zd.Options.MaxZoneSize
	for env := range envs {
		attempt.Packets++
		if env.Error != nil {
			return &IoFailureError{Err: env.Error}
		}
		for _, rr := range env.RR {
			if err := consumer.Feed(rr); err != nil {
				return err
			}
			if maxSize > 0 && consumer.ChangeBytes()/2 > maxSize {
				return &TransferSizeExceededError{Zone: zd.Name, Limit: maxSize}
			}
			if done, _ := consumer.Done(); done {
				return nil
			}
		}
	}
	return consumer.Finish()
}

// drainEnvelopes unblocks the transfer reader goroutine when a consumer
// terminates before the stream does (ixfr_by_one, early errors).
func drainEnvelopes(envs chan TransferEnvelope) {
	go func() {
		for range envs {
		}
	}()
}

func finalizeAxfrStream(zd *Zone, remote *Remote, envs chan TransferEnvelope, ednsExpire time.Duration, hasEdnsExpire bool, attempt RefreshAttempt) RefreshAttempt {
	defer drainEnvelopes(envs)
	consumer := NewAxfrConsumer(zd.Name, zd.Options.MaxZoneSize)
	finished := false
	for env := range envs {
		if finished {
			break
		}
		attempt.Packets++
		if env.Error != nil {
			return failAttempt(attempt, &IoFailureError{Err: env.Error}, FallbackNextPeer)
		}
		for _, rr := range env.RR {
			done, err := consumer.Feed(rr)
			if err != nil {
				return failAttempt(attempt, err, FallbackNone)
			}
			attempt.Bytes += len(rr.String())
			if done {
				finished = true
				break
			}
		}
	}
	if err := consumer.Finish(); err != nil {
		return failAttempt(attempt, err, FallbackNone)
	}
	return finalizeAxfr(zd, remote, consumer.Tree(), ednsExpire, hasEdnsExpire, attempt)
}

// finalizeAxfrResult builds a new tree from a flat RR list, for the
// AXFR-style-IXFR case where the IXFR consumer already demultiplexed
// the stream into a single record slice.
func finalizeAxfrResult(zd *Zone, remote *Remote, rrs []dns.RR, ednsExpire time.Duration, hasEdnsExpire bool, attempt RefreshAttempt) RefreshAttempt {
	consumer := NewAxfrConsumer(zd.Name, zd.Options.MaxZoneSize)
	for _, rr := range rrs {
		done, err := consumer.Feed(rr)
		if err != nil {
			return failAttempt(attempt, err, FallbackNone)
		}
		if done {
			break
		}
	}
	if err := consumer.Finish(); err != nil {
		return failAttempt(attempt, err, FallbackNone)
	}
	attempt.Fallback = FallbackIxfrToAxfr
	return finalizeAxfr(zd, remote, consumer.Tree(), ednsExpire, hasEdnsExpire, attempt)
}

// zoneNextSerial mints the next local serial for a signed zone under
// its configured policy.
func zoneNextSerial(zd *Zone, prev uint32) (uint32, error) {
	return NextSerial(prev, zd.Options.SerialPolicy, zd.Options.SerialIncrement, zd.Options.SerialModulo, time.Now())
}

// finalizeAxfr: re-serial under policy for signed zones, optional diff
// into an incremental update, checks, sign or stamp, atomic commit,
// timer plan.
func finalizeAxfr(zd *Zone, remote *Remote, newTree *ZoneContents, ednsExpire time.Duration, hasEdnsExpire bool, attempt RefreshAttempt) RefreshAttempt {
	ctx := context.Background()
	masterSerial := newTree.Serial

	prev := zd.contents.Load()
	oldSerial := masterSerial
	if prev != nil && prev.ApexSOA != nil {
		oldSerial = prev.ApexSOA.Serial
	}

	if zd.DnssecSigning {
		next, err := zoneNextSerial(zd, oldSerial)
		if err != nil {
			return failAttempt(attempt, err, FallbackNone)
		}
		newTree.ApexSOA.Serial = next
		newTree.Serial = next
	}

	update := &ZoneUpdate{Mode: UpdateFull, Base: prev, FullTree: newTree}
	if attempt.Fallback == FallbackIxfrToAxfr && zd.Options.IxfrFromAxfr && prev != nil {
		adds, dels := DiffZoneContents(prev, newTree)
		update = &ZoneUpdate{Mode: UpdateIncremental, Base: prev, Changesets: []Changeset{{
			SoaFrom: oldSerial, SoaTo: newTree.Serial, Additions: adds, Deletions: dels,
		}}, AxfrStyle: true}
	}

	if err := runSemanticChecks(zd, newTree); err != nil {
		return failAttempt(attempt, err, FallbackNone)
	}
	if zd.Options.ZonemdVerify {
		if err := verifyZonemd(zd.Name, newTree); err != nil {
			return failAttempt(attempt, err, FallbackNone)
		}
	}

	if zd.DnssecSigning && zd.Signer != nil {
		if _, err := zd.Signer.Sign(ctx, zd.Name, update); err != nil {
			return failAttempt(attempt, err, FallbackNone)
		}
	} else if zd.Options.ZonemdGenerate {
		stampZonemd(zd.Name, newTree)
	}

	zd.contents.Store(newTree)
	zd.MasterSerial = masterSerial
	if zd.Store != nil {
		if err := zd.Store.SaveMasterSerial(zd.Name, masterSerial); err != nil {
			zd.Logger.Printf("refresh: zone %s: failed to persist master_serial: %v", zd.Name, err)
		}
		if zd.Options.JournalContent != JournalNone {
			for _, cs := range update.Changesets {
				if err := zd.Store.AppendJournal(zd.Name, cs); err != nil {
					zd.Logger.Printf("refresh: zone %s: failed to append journal: %v", zd.Name, err)
				}
			}
		}
	}

	applyTimerSuccess(zd, timerInputsForZoneFromTree(newTree, zd.Options, zd.Catalog, ednsExpire, hasEdnsExpire, 0))
	zd.Timers.LastMaster = remoteAddr(remote)
	zd.Timers.BootstrapCount = 0
	zd.LastMaster = remoteAddr(remote)
	persistTimers(zd)

	attempt.OldSerial = oldSerial
	attempt.Serial = newTree.Serial
	attempt.Result = ResultDone
	return attempt
}

// finalizeIxfr: verify the master-serial chain, rewrite serials into
// the local sequence for signed zones, apply changesets, checks, sign
// or stamp, atomic commit, timer plan.
func finalizeIxfr(zd *Zone, remote *Remote, result ixfr.Ixfr, ednsExpire time.Duration, hasEdnsExpire bool, attempt RefreshAttempt) RefreshAttempt {
	ctx := context.Background()

	masterSerial, known, err := loadMasterSerial(zd)
	if err != nil {
		return failAttempt(attempt, err, FallbackNone)
	}
	if !known {
		return failAttempt(attempt, &MasterSerialUnknownError{Zone: zd.Name}, FallbackNone)
	}

	oldTree := zd.contents.Load()
	localSerial := masterSerial
	if oldTree != nil && oldTree.ApexSOA != nil {
		localSerial = oldTree.ApexSOA.Serial
	}
	oldLocalSerial := localSerial

	changesets := make([]Changeset, 0, len(result.Deltas))
	for _, d := range result.Deltas {
		if d.SerialFrom != masterSerial {
			return failAttempt(attempt, &ChangesetChainBrokenError{Zone: zd.Name, Expected: masterSerial, SoaFrom: d.SerialFrom}, FallbackNone)
		}

		soaFrom, soaTo := d.SerialFrom, d.SerialTo
		if zd.DnssecSigning {
			// Keep the local serial sequence independent of the
			// master's; the master_serial chain advances separately.
			soaFrom = localSerial
			next, serr := zoneNextSerial(zd, localSerial)
			if serr != nil {
				return failAttempt(attempt, serr, FallbackNone)
			}
			soaTo = next
		}
		changesets = append(changesets, Changeset{
			SoaFrom:   soaFrom,
			SoaTo:     soaTo,
			Additions: filterBailiwick(zd.Name, d.Added),
			Deletions: filterBailiwick(zd.Name, d.Removed),
		})
		masterSerial = d.SerialTo
		localSerial = soaTo
	}

	update := &ZoneUpdate{Mode: UpdateIncremental, Base: oldTree, Changesets: changesets}

	newTree, err := applyChangesets(zd, update, zd.Options.IxfrBenevolent)
	if err != nil {
		return failAttempt(attempt, err, FallbackNone)
	}
	if zd.DnssecSigning && newTree.ApexSOA != nil {
		// The peer's SOA carries its own serial; ours is minted locally.
		newTree.ApexSOA.Serial = localSerial
		newTree.Serial = localSerial
	}

	if err := runSemanticChecks(zd, newTree); err != nil {
		return failAttempt(attempt, err, FallbackNone)
	}
	if zd.Options.ZonemdVerify {
		if err := verifyZonemd(zd.Name, newTree); err != nil {
			return failAttempt(attempt, err, FallbackNone)
		}
	}
	if zd.DnssecSigning && zd.Signer != nil {
		if _, err := zd.Signer.Sign(ctx, zd.Name, update); err != nil {
			return failAttempt(attempt, err, FallbackNone)
		}
	} else if zd.Options.ZonemdGenerate {
		stampZonemd(zd.Name, newTree)
	}

	// masterSerial now holds the end serial of the last changeset that
	// was actually applied; with ixfr_by_one this can trail the
	// stream's final serial, and the chain must resume from it.
	zd.contents.Store(newTree)
	zd.MasterSerial = masterSerial
	if zd.Store != nil {
		if err := zd.Store.SaveMasterSerial(zd.Name, masterSerial); err != nil {
			zd.Logger.Printf("refresh: zone %s: failed to persist master_serial: %v", zd.Name, err)
		}
		if zd.Options.JournalContent != JournalNone {
			for _, cs := range changesets {
				if err := zd.Store.AppendJournal(zd.Name, cs); err != nil {
					zd.Logger.Printf("refresh: zone %s: failed to append journal: %v", zd.Name, err)
				}
			}
		}
	}

	applyTimerSuccess(zd, timerInputsForZoneFromTree(newTree, zd.Options, zd.Catalog, ednsExpire, hasEdnsExpire, 0))
	if newTree.ApexSOA.Serial != oldLocalSerial {
		zd.Timers.LastMaster = remoteAddr(remote)
		zd.LastMaster = remoteAddr(remote)
	}
	persistTimers(zd)

	attempt.OldSerial = oldLocalSerial
	attempt.Serial = newTree.ApexSOA.Serial
	attempt.Result = ResultDone
	if zd.Options.IxfrByOne && consumerLeftRemainder(result) {
		attempt.MoreXfr = true
	}
	return attempt
}

// filterBailiwick silently drops incremental-transfer records whose
// owner falls outside the zone.
func filterBailiwick(zone string, rrs []dns.RR) []dns.RR {
	out := rrs[:0:len(rrs)]
	for _, rr := range rrs {
		if inBailiwick(zone, rr.Header().Name) {
			out = append(out, rr)
		}
	}
	return out
}

// consumerLeftRemainder reports whether the one-by-one cut stopped
// short of the stream's final serial, so another refresh is due now.
func consumerLeftRemainder(result ixfr.Ixfr) bool {
	n := len(result.Deltas)
	return n > 0 && result.Deltas[n-1].SerialTo != result.FinalSerial
}

func loadMasterSerial(zd *Zone) (uint32, bool, error) {
	if zd.Store != nil {
		return zd.Store.LoadMasterSerial(zd.Name)
	}
	if zd.MasterSerial != 0 {
		return zd.MasterSerial, true, nil
	}
	return 0, false, nil
}

// applyChangesets replays update.Changesets against update.Base,
// producing a new ZoneContents. In strict mode, adding an already-
// present RRset member or removing an absent one fails the attempt;
// in benevolent mode it is tolerated.
func applyChangesets(zd *Zone, update *ZoneUpdate, benevolent bool) (*ZoneContents, error) {
	base := update.Base
	serial := uint32(0)
	if base != nil {
		serial = base.Serial
	}
	if len(update.Changesets) > 0 {
		serial = update.Changesets[len(update.Changesets)-1].SoaTo
	}
	newTree := NewZoneContents(serial)
	if base != nil {
		for _, o := range base.Owners {
			for _, t := range o.RRtypes.Keys() {
				rrset := o.RRtypes.GetOnlyRRSet(t)
				for _, rr := range rrset.RRs {
					newTree.AddRR(dns.Copy(rr))
				}
			}
		}
	}

	for _, cs := range update.Changesets {
		for _, rr := range cs.Deletions {
			if !removeRR(newTree, rr) && !benevolent {
				return nil, fmt.Errorf("refresh: zone %q: strict mode: removal of absent record %s", zd.Name, rr.String())
			}
		}
		for _, rr := range cs.Additions {
			if containsRR(flattenRRs(newTree), rr) && !benevolent {
				return nil, fmt.Errorf("refresh: zone %q: strict mode: addition of existing record %s", zd.Name, rr.String())
			}
			newTree.AddRR(dns.Copy(rr))
		}
	}

	apex, ok := newTree.GetOwner(dns.Fqdn(zd.Name))
	if !ok {
		return nil, fmt.Errorf("refresh: zone %q: incremental update removed the apex", zd.Name)
	}
	soaRRset := apex.RRtypes.GetOnlyRRSet(dns.TypeSOA)
	if len(soaRRset.RRs) == 0 {
		return nil, fmt.Errorf("refresh: zone %q: incremental update removed the apex SOA", zd.Name)
	}
	newTree.ApexSOA = soaRRset.RRs[0].(*dns.SOA)
	newTree.ApexSOA.Serial = serial
	newTree.Serial = serial
	return newTree, nil
}

func removeRR(tree *ZoneContents, rr dns.RR) bool {
	owner, ok := tree.GetOwner(rr.Header().Name)
	if !ok {
		return false
	}
	rrset, ok := owner.RRtypes.Get(rr.Header().Rrtype)
	if !ok {
		return false
	}
	out := rrset.RRs[:0]
	removed := false
	for _, existing := range rrset.RRs {
		if !removed && dns.IsDuplicate(existing, rr) {
			removed = true
			continue
		}
		out = append(out, existing)
	}
	rrset.RRs = out
	owner.RRtypes.Set(rr.Header().Rrtype, rrset)
	return removed
}

// runSemanticChecks applies the configurable-strictness checks: the
// apex must hold exactly one SOA and at least one NS RRset.
func runSemanticChecks(zd *Zone, tree *ZoneContents) error {
	apexName := dns.Fqdn(zd.Name)
	apex, ok := tree.GetOwner(apexName)
	if !ok {
		return &SemanticCheckFailedError{Zone: zd.Name, Reason: "missing apex"}
	}
	soaRRset := apex.RRtypes.GetOnlyRRSet(dns.TypeSOA)
	if len(soaRRset.RRs) != 1 {
		return &SemanticCheckFailedError{Zone: zd.Name, Reason: fmt.Sprintf("apex has %d SOA records, want 1", len(soaRRset.RRs))}
	}
	nsRRset := apex.RRtypes.GetOnlyRRSet(dns.TypeNS)
	if len(nsRRset.RRs) == 0 {
		if zd.Options.SemanticChecksSoft {
			zd.Logger.Printf("refresh: zone %s: apex has no NS records (soft check)", zd.Name)
		} else {
			return &SemanticCheckFailedError{Zone: zd.Name, Reason: "apex has no NS records"}
		}
	}
	return nil
}
