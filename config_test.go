/*
 * Copyright (c) 2025
 */
package xfrd

import (
	"testing"
	"time"
)

func TestValidateZoneOptions(t *testing.T) {
	base := ZoneConf{Name: "example.org.", Type: "secondary", Remotes: []string{"m1"}}

	if err := ValidateZoneOptions(base); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ZoneConf)
	}{
		{"secondary without remotes", func(zc *ZoneConf) { zc.Remotes = nil }},
		{"zonemd verify+generate", func(zc *ZoneConf) { zc.ZonemdVerify = true; zc.ZonemdGenerate = true }},
		{"difference-no-serial without full journal", func(zc *ZoneConf) {
			zc.ZonefileLoad = "difference-no-serial"
			zc.JournalContent = "xfr"
		}},
		{"serial_modulo without signing", func(zc *ZoneConf) { zc.SerialModulo = "3/7" }},
		{"bad journal_content", func(zc *ZoneConf) { zc.JournalContent = "sometimes" }},
		{"refresh min > max", func(zc *ZoneConf) { zc.RefreshMinInterval = 600; zc.RefreshMaxInterval = 300 }},
		{"retry min > max", func(zc *ZoneConf) { zc.RetryMinInterval = 600; zc.RetryMaxInterval = 300 }},
		{"expire min > max", func(zc *ZoneConf) { zc.ExpireMinInterval = 600; zc.ExpireMaxInterval = 300 }},
		{"catalog_template without role", func(zc *ZoneConf) { zc.CatalogTemplate = "tmpl" }},
		{"catalog_zone without role", func(zc *ZoneConf) { zc.CatalogZone = "catalog.invalid." }},
		{"interpret without template", func(zc *ZoneConf) { zc.CatalogRole = "interpret" }},
		{"interpret with catalog_zone", func(zc *ZoneConf) {
			zc.CatalogRole = "interpret"
			zc.CatalogTemplate = "tmpl"
			zc.CatalogZone = "catalog.invalid."
		}},
		{"member without catalog_zone", func(zc *ZoneConf) { zc.CatalogRole = "member" }},
		{"member with template", func(zc *ZoneConf) {
			zc.CatalogRole = "member"
			zc.CatalogZone = "catalog.invalid."
			zc.CatalogTemplate = "tmpl"
		}},
		{"generate with template", func(zc *ZoneConf) { zc.CatalogRole = "generate"; zc.CatalogTemplate = "tmpl" }},
		{"unknown catalog_role", func(zc *ZoneConf) { zc.CatalogRole = "observe" }},
	}
	for _, tc := range tests {
		zc := base
		tc.mutate(&zc)
		if err := ValidateZoneOptions(zc); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}

	// Valid catalog combinations pass, and the catalog roles map onto
	// the timer-pinning flag correctly.
	valid := base
	valid.CatalogRole = "interpret"
	valid.CatalogTemplate = "tmpl"
	if err := ValidateZoneOptions(valid); err != nil {
		t.Errorf("interpret with template rejected: %v", err)
	}
	if !valid.IsCatalog() {
		t.Error("interpret role not treated as a catalog zone")
	}

	member := base
	member.CatalogRole = "member"
	member.CatalogZone = "catalog.invalid."
	if err := ValidateZoneOptions(member); err != nil {
		t.Errorf("member with catalog_zone rejected: %v", err)
	}
	if member.IsCatalog() {
		t.Error("member role treated as a catalog zone")
	}
}

func TestParseRemote(t *testing.T) {
	rc := RemoteConf{Addresses: []string{"192.0.2.53"}, Transport: "dot", PinToleranceS: 300}
	remote, err := ParseRemote(rc)
	if err != nil {
		t.Fatalf("ParseRemote: %v", err)
	}
	if remote.Transport != TransportDoT {
		t.Errorf("transport = %v, want DoT", remote.Transport)
	}
	if remote.PinTolerance != 300*time.Second {
		t.Errorf("pin tolerance = %s, want 5m", remote.PinTolerance)
	}

	if _, err := ParseRemote(RemoteConf{Addresses: []string{"192.0.2.1"}, Transport: "carrier-pigeon"}); err == nil {
		t.Error("unknown transport accepted")
	}
	if _, err := ParseRemote(RemoteConf{}); err == nil {
		t.Error("remote without addresses accepted")
	}
}

func TestNewZoneFromConf(t *testing.T) {
	remotes := map[string]RemoteConf{
		"m1": {Addresses: []string{"192.0.2.53"}},
	}
	zc := ZoneConf{
		Name:           "example.org",
		Type:           "secondary",
		Remotes:        []string{"m1"},
		SemanticChecks: "soft",
		IxfrByOne:      true,
		JournalContent: "xfr",
		SerialPolicy:   "unixtime",
	}

	zd, err := NewZoneFromConf(zc, remotes, nil, nil)
	if err != nil {
		t.Fatalf("NewZoneFromConf: %v", err)
	}
	if zd.Name != "example.org." {
		t.Errorf("zone name not fully qualified: %q", zd.Name)
	}
	if !zd.Options.SemanticChecksSoft || !zd.Options.IxfrByOne {
		t.Error("zone options not carried over")
	}
	if zd.Options.SerialPolicy != PolicyUnixtime {
		t.Errorf("serial policy = %q, want unixtime", zd.Options.SerialPolicy)
	}
	if zd.Options.RefreshMinInterval != DefaultRefreshMinInterval {
		t.Errorf("refresh min = %s, want default", zd.Options.RefreshMinInterval)
	}
	if len(zd.Remotes) != 1 {
		t.Fatalf("zone has %d remotes, want 1", len(zd.Remotes))
	}

	zc.Remotes = []string{"nonexistent"}
	if _, err := NewZoneFromConf(zc, remotes, nil, nil); err == nil {
		t.Error("undefined remote ref accepted")
	}
}

func TestNewZoneFromConfRestoresTimers(t *testing.T) {
	store := newMemStore()
	saved := ZoneTimers{
		NextRefresh:    time.Now().Add(time.Hour).Truncate(time.Second),
		LastRefreshOK:  true,
		LastMaster:     "192.0.2.53",
		BootstrapCount: 2,
	}
	store.timers["example.org."] = saved
	store.serials["example.org."] = 77

	zc := ZoneConf{Name: "example.org", Type: "secondary", Remotes: []string{"m1"}}
	remotes := map[string]RemoteConf{"m1": {Addresses: []string{"192.0.2.53"}}}

	zd, err := NewZoneFromConf(zc, remotes, nil, store)
	if err != nil {
		t.Fatalf("NewZoneFromConf: %v", err)
	}
	if !zd.Timers.NextRefresh.Equal(saved.NextRefresh) || zd.Timers.BootstrapCount != 2 {
		t.Errorf("timers not restored from store: %+v", zd.Timers)
	}
	if zd.MasterSerial != 77 {
		t.Errorf("master serial = %d, want 77", zd.MasterSerial)
	}
}

func TestParseSeconds(t *testing.T) {
	for in, want := range map[string]uint32{
		"":     0,
		"90":   90,
		"2h":   7200,
		"1h1s": 3601,
	} {
		got, err := parseSeconds(in)
		if err != nil || got != want {
			t.Errorf("parseSeconds(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := parseSeconds("soon"); err == nil {
		t.Error("parseSeconds(soon) should fail")
	}
}
