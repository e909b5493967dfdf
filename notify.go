/*
 * Copyright (c) Johan Stenstam, johani@johani.org
 */
package xfrd

import (
	"fmt"
	"log"

	"github.com/miekg/dns"
)

// NotifyRequest asks the notifier to fan a NOTIFY(SOA) out to a zone's
// downstream secondaries after a refresh changed the local serial.
type NotifyRequest struct {
	ZoneName string
	Targets  []string
	Response chan NotifyResponse
}

type NotifyResponse struct {
	Msg      string
	Rcode    int
	Error    bool
	ErrorMsg string
}

// NotifierEngine drains notifyreqQ and sends each request's fan-out,
// one at a time, so that a burst of zone updates doesn't open a flood
// of concurrent outbound connections.
func NotifierEngine(notifyreqQ chan NotifyRequest) {
	log.Printf("NotifierEngine: starting")
	for nr := range notifyreqQ {
		rcode, err := SendNotify(nr.ZoneName, nr.Targets)
		resp := NotifyResponse{Rcode: rcode}
		if err != nil {
			resp.Error = true
			resp.ErrorMsg = err.Error()
		} else {
			resp.Msg = "OK"
		}
		if nr.Response != nil {
			nr.Response <- resp
		}
	}
	log.Printf("NotifierEngine: terminating")
}

// SendNotify sends a NOTIFY(SOA) for zone to every target in turn. It
// returns NOERROR only when every target answered NOERROR.
func SendNotify(zone string, targets []string) (int, error) {
	if len(targets) == 0 {
		return dns.RcodeServerFailure, fmt.Errorf("notify: zone %q has no downstream targets", zone)
	}

	failed := 0
	for _, dst := range targets {
		m := new(dns.Msg)
		m.SetNotify(dns.Fqdn(zone))

		res, err := dns.Exchange(m, dst)
		if err != nil {
			log.Printf("notify: exchange with %s for zone %s failed: %v", dst, zone, err)
			failed++
			continue
		}
		if res.Rcode != dns.RcodeSuccess {
			log.Printf("notify: %s responded %s for zone %s", dst, dns.RcodeToString[res.Rcode], zone)
			failed++
		}
	}
	if failed > 0 {
		return dns.RcodeServerFailure, fmt.Errorf("notify: %d of %d targets did not answer NOERROR for zone %q", failed, len(targets), zone)
	}
	return dns.RcodeSuccess, nil
}

// HandleInboundNotify is the thin adapter between an external NOTIFY
// listener (out of scope for this engine) and the refresh engine: it
// pushes a non-forced refresh request (the usual SOA serial comparison
// applies) onto refreshZoneCh without itself doing any socket I/O.
func HandleInboundNotify(refreshZoneCh chan ZoneRefresher, zone string) {
	refreshZoneCh <- ZoneRefresher{Name: zone, Force: false}
}
