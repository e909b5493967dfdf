/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"context"
	"log"
	"time"

	"github.com/spf13/viper"
)

// Signer is the DNSSEC re-signing abstraction the refresh controller
// consumes at finalize time. This engine never implements signature
// cryptography itself; a concrete Signer is wired in by the operator
// (e.g. backed by an HSM or a local keystore) and may schedule key
// events as a side effect of Sign.
type Signer interface {
	// Sign re-signs the given update in place, returning the number of
	// RRSIGs it produced.
	Sign(ctx context.Context, zone string, update *ZoneUpdate) (newRRSIGs int, err error)
}

// NoopSigner is used for zones that have DnssecSigning disabled; it
// never mutates the update.
type NoopSigner struct{}

func (NoopSigner) Sign(ctx context.Context, zone string, update *ZoneUpdate) (int, error) {
	return 0, nil
}

// ResignerEngine periodically re-invokes each registered zone's Signer
// so that RRSIGs are refreshed even absent new primary content; zones
// only join zonesToKeepSigned via zoneresignch, typically right after
// a successful AXFR/IXFR finalize for a signed zone.
func ResignerEngine(ctx context.Context, zoneresignch chan *Zone) {
	interval := viper.GetInt("resignerengine.interval")
	if interval < 60 {
		interval = 60
	}
	if interval > 3600 {
		interval = 3600
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	if !viper.GetBool("service.resign") {
		log.Printf("ResignerEngine: not active; zones only re-sign on receipt of new transfers")
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-zoneresignch:
				if !ok {
					return
				}
			}
		}
	}

	zonesToKeepSigned := make(map[string]*Zone)
	for {
		select {
		case <-ctx.Done():
			return
		case zd, ok := <-zoneresignch:
			if !ok {
				return
			}
			if zd == nil {
				continue
			}
			zonesToKeepSigned[zd.Name] = zd

		case <-ticker.C:
			for _, zd := range zonesToKeepSigned {
				if zd.Signer == nil {
					continue
				}
				contents := zd.contents.Load()
				update := &ZoneUpdate{Mode: UpdateFull, Base: contents, FullTree: contents}
				n, err := zd.Signer.Sign(ctx, zd.Name, update)
				if err != nil {
					log.Printf("ResignerEngine: error re-signing zone %s: %v", zd.Name, err)
					continue
				}
				log.Printf("ResignerEngine: zone %s re-signed, %d new RRSIGs", zd.Name, n)
			}
		}
	}
}
