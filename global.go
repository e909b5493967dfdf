/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package xfrd

import (
	"fmt"
	"net"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type GlobalStuff struct {
	IMR     string // resolver used for ad-hoc lookups (parent NS addresses, etc)
	Verbose bool
	Debug   bool
	AppName string
}

var Globals = GlobalStuff{
	Verbose: false,
	Debug:   false,
}

// Zones is the process-wide zone registry: zone name -> *Zone. A
// refresh attempt looks up its Zone here and swaps in new contents
// atomically; readers never need to lock the registry itself.
var Zones = cmap.New[*Zone]()

func (gs *GlobalStuff) Validate() error {
	if gs.IMR == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(gs.IMR); err == nil {
		return nil
	}
	if net.ParseIP(gs.IMR) == nil {
		return fmt.Errorf("invalid IMR address: %s", gs.IMR)
	}
	return nil
}
