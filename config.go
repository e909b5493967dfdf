/*
 * Copyright (c) 2024 Johan Stenstam, johan.stenstam@internetstiftelsen.se
 */

package xfrd

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/miekg/dns"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the root of the parsed configuration tree. Parsing and
// schema loading themselves are an external collaborator (viper does
// the file decoding); this struct is what the refresh engine consumes.
type Config struct {
	App     AppDetails
	Service ServiceConf
	Log     LogConf
	Db      DbConf

	DnssecPolicies map[string]DnssecPolicyConf
	Zones          map[string]ZoneConf
	Remotes        map[string]RemoteConf

	Internal InternalConf
}

type AppDetails struct {
	Name             string
	Version          string
	ServerBootTime   time.Time
	ServerConfigTime time.Time
}

type ServiceConf struct {
	Name    string `validate:"required"`
	Debug   *bool
	Verbose *bool
}

type LogConf struct {
	File       string `validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DbConf struct {
	File string `validate:"required"`
}

// RemoteConf is the on-disk shape of a Remote; ParseRemotes turns it
// into the Remote the engine actually uses.
type RemoteConf struct {
	Addresses     []string `validate:"required"`
	Transport     string   // do53 | tcp | dot | doq
	TsigKeyName   string   `mapstructure:"tsig_key_name"`
	TsigAlgorithm string   `mapstructure:"tsig_algorithm"`
	TsigSecret    string   `mapstructure:"tsig_secret"`
	EdnsExpire    bool     `mapstructure:"edns_expire"`
	EdnsCookie    bool     `mapstructure:"edns_cookie"`
	PaddingBlock  int      `mapstructure:"padding_block"`
	NotifyBlocked bool     `mapstructure:"notify_blocked"`
	PinToleranceS int      `mapstructure:"pin_tolerance_seconds"`
}

// ZoneConf is the external config for a zone refresh; it contains no
// zone data.
type ZoneConf struct {
	Name     string `validate:"required"`
	Type     string `validate:"required"` // primary | secondary
	Remotes  []string `validate:"required_if=Type secondary"`
	DnssecPolicy string `mapstructure:"dnssec_policy"`

	CatalogRole     string `mapstructure:"catalog_role"` // none | generate | interpret | member
	CatalogTemplate string `mapstructure:"catalog_template"`
	CatalogZone     string `mapstructure:"catalog_zone"`

	SemanticChecks string `mapstructure:"semantic_checks"` // soft | hard
	ZonefileLoad   string `mapstructure:"zonefile_load"`   // none | difference | difference-no-serial | whole
	IxfrByOne      bool   `mapstructure:"ixfr_by_one"`
	IxfrFromAxfr   bool   `mapstructure:"ixfr_from_axfr"`
	IxfrBenevolent bool   `mapstructure:"ixfr_benevolent"`
	ProvideIxfr    bool   `mapstructure:"provide_ixfr"`
	ZonemdGenerate bool   `mapstructure:"zonemd_generate"`
	ZonemdVerify   bool   `mapstructure:"zonemd_verify"`
	JournalContent string `mapstructure:"journal_content"` // none | xfr | full
	MaxZoneSize    int    `mapstructure:"max_zone_size"`

	RefreshMinInterval int `mapstructure:"refresh_min_interval"`
	RefreshMaxInterval int `mapstructure:"refresh_max_interval"`
	RetryMinInterval   int `mapstructure:"retry_min_interval"`
	RetryMaxInterval   int `mapstructure:"retry_max_interval"`
	ExpireMinInterval  int `mapstructure:"expire_min_interval"`
	ExpireMaxInterval  int `mapstructure:"expire_max_interval"`

	SerialPolicy    string `mapstructure:"serial_policy"` // increment | unixtime | dateserial
	SerialIncrement uint32 `mapstructure:"serial_increment"`
	SerialModulo    string `mapstructure:"serial_modulo"` // "R/M[+A]"
}

type DnssecPolicyConf struct {
	Name      string
	Algorithm string

	KSK struct {
		Lifetime    string
		SigValidity string
	}
	ZSK struct {
		Lifetime    string
		SigValidity string
	}
	CSK struct {
		Lifetime    string
		SigValidity string
	}
}

// InternalConf carries the runtime channel handles and in-memory
// caches wired up at startup; these are not part of the file-based
// configuration schema.
type InternalConf struct {
	CfgFile        string
	Store          Store
	DnssecPolicies map[string]DnssecPolicy

	StopCh        chan struct{}
	RefreshZoneCh chan ZoneRefresher
	NotifyQ       chan NotifyRequest
	ResignQ       chan *Zone
}

// ZoneRefresher requests an out-of-band refresh of one zone, e.g. in
// response to an inbound NOTIFY.
type ZoneRefresher struct {
	Name     string
	Force    bool // ignore SOA serial comparison, always transfer
	Response chan RefresherResponse
}

type RefresherResponse struct {
	Time     time.Time
	Zone     string
	Msg      string
	Error    bool
	ErrorMsg string
}

// ValidateZoneOptions rejects configuration combinations the refresh
// engine cannot act on, per the invalid-combination list the engine
// enforces at load time.
func ValidateZoneOptions(zc ZoneConf) error {
	if zc.Type == "secondary" && len(zc.Remotes) == 0 {
		return fmt.Errorf("zone %q: secondary zone requires at least one remote", zc.Name)
	}
	if zc.ZonemdVerify && zc.ZonemdGenerate {
		return fmt.Errorf("zone %q: zonemd_verify and zonemd_generate are mutually exclusive for a secondary", zc.Name)
	}
	if strings.ToLower(zc.ZonefileLoad) == "difference-no-serial" {
		jc := strings.ToLower(zc.JournalContent)
		if jc != "all" && jc != "full" {
			return fmt.Errorf("zone %q: zonefile_load difference-no-serial requires journal_content full", zc.Name)
		}
	}
	if zc.SerialModulo != "" && zc.SerialModulo != "0/1" && zc.DnssecPolicy == "" {
		return fmt.Errorf("zone %q: serial_modulo requires dnssec signing", zc.Name)
	}
	if err := validateCatalogRole(zc); err != nil {
		return err
	}
	if zc.JournalContent != "" && zc.JournalContent != "none" && zc.JournalContent != "xfr" && zc.JournalContent != "full" {
		return fmt.Errorf("zone %q: invalid journal_content %q", zc.Name, zc.JournalContent)
	}
	if zc.RefreshMinInterval > 0 && zc.RefreshMaxInterval > 0 && zc.RefreshMinInterval > zc.RefreshMaxInterval {
		return fmt.Errorf("zone %q: refresh_min_interval > refresh_max_interval", zc.Name)
	}
	if zc.RetryMinInterval > 0 && zc.RetryMaxInterval > 0 && zc.RetryMinInterval > zc.RetryMaxInterval {
		return fmt.Errorf("zone %q: retry_min_interval > retry_max_interval", zc.Name)
	}
	if zc.ExpireMinInterval > 0 && zc.ExpireMaxInterval > 0 && zc.ExpireMinInterval > zc.ExpireMaxInterval {
		return fmt.Errorf("zone %q: expire_min_interval > expire_max_interval", zc.Name)
	}
	return nil
}

func ValidateConfig(v *viper.Viper, cfgfile string) (*Config, error) {
	var config Config

	if v == nil {
		v = viper.GetViper()
	}
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&config, decodeHook); err != nil {
		return nil, fmt.Errorf("ValidateConfig: unmarshal error: %w", err)
	}

	sections := map[string]interface{}{
		"log":     config.Log,
		"service": config.Service,
		"db":      config.Db,
	}
	if err := ValidateBySection(&config, sections, cfgfile); err != nil {
		return nil, err
	}

	for name, zc := range config.Zones {
		zc.Name = name
		if err := ValidateZoneOptions(zc); err != nil {
			return nil, err
		}
	}
	return &config, nil
}

func ValidateBySection(config *Config, sections map[string]interface{}, cfgfile string) error {
	validate := validator.New()
	for k, data := range sections {
		if err := validate.Struct(data); err != nil {
			return fmt.Errorf("%s: config %q, section %q: missing required attributes: %w",
				strings.ToUpper(config.App.Name), cfgfile, k, err)
		}
	}
	return nil
}

// validateCatalogRole rejects catalog_role values incompatible with
// the presence or absence of catalog_template / catalog_zone: a
// catalog consumer (interpret) needs the template to instantiate
// members with, a member needs the catalog zone it belongs to, and
// the other roles must not carry either.
func validateCatalogRole(zc ZoneConf) error {
	switch strings.ToLower(zc.CatalogRole) {
	case "", "none":
		if zc.CatalogTemplate != "" || zc.CatalogZone != "" {
			return fmt.Errorf("zone %q: catalog_template/catalog_zone require a catalog_role", zc.Name)
		}
	case "generate":
		if zc.CatalogTemplate != "" || zc.CatalogZone != "" {
			return fmt.Errorf("zone %q: catalog_role generate takes neither catalog_template nor catalog_zone", zc.Name)
		}
	case "interpret":
		if zc.CatalogTemplate == "" {
			return fmt.Errorf("zone %q: catalog_role interpret requires catalog_template", zc.Name)
		}
		if zc.CatalogZone != "" {
			return fmt.Errorf("zone %q: catalog_role interpret is incompatible with catalog_zone", zc.Name)
		}
	case "member":
		if zc.CatalogZone == "" {
			return fmt.Errorf("zone %q: catalog_role member requires catalog_zone", zc.Name)
		}
		if zc.CatalogTemplate != "" {
			return fmt.Errorf("zone %q: catalog_role member is incompatible with catalog_template", zc.Name)
		}
	default:
		return fmt.Errorf("zone %q: unknown catalog_role %q", zc.Name, zc.CatalogRole)
	}
	return nil
}

// IsCatalog reports whether this zone is itself a catalog zone (one
// that lists member zones), as opposed to a member of one.
func (zc ZoneConf) IsCatalog() bool {
	switch strings.ToLower(zc.CatalogRole) {
	case "generate", "interpret":
		return true
	}
	return false
}

// ParseDnssecPolicies resolves the configured policy entries into the
// DnssecPolicy values zones reference at refresh-finalize time.
func ParseDnssecPolicies(conf *Config) (map[string]DnssecPolicy, error) {
	out := make(map[string]DnssecPolicy, len(conf.DnssecPolicies))
	for name, pc := range conf.DnssecPolicies {
		algo, ok := dns.StringToAlgorithm[strings.ToUpper(pc.Algorithm)]
		if !ok {
			return nil, fmt.Errorf("dnssec policy %q: unknown algorithm %q", name, pc.Algorithm)
		}
		dp := DnssecPolicy{Name: name, Algorithm: algo}
		var err error
		if dp.KSK, err = parseKeyLifetime(pc.KSK.Lifetime, pc.KSK.SigValidity); err != nil {
			return nil, fmt.Errorf("dnssec policy %q: KSK: %v", name, err)
		}
		if dp.ZSK, err = parseKeyLifetime(pc.ZSK.Lifetime, pc.ZSK.SigValidity); err != nil {
			return nil, fmt.Errorf("dnssec policy %q: ZSK: %v", name, err)
		}
		if dp.CSK, err = parseKeyLifetime(pc.CSK.Lifetime, pc.CSK.SigValidity); err != nil {
			return nil, fmt.Errorf("dnssec policy %q: CSK: %v", name, err)
		}
		out[name] = dp
	}
	return out, nil
}

func parseKeyLifetime(lifetime, sigValidity string) (KeyLifetime, error) {
	var kl KeyLifetime
	var err error
	if kl.Lifetime, err = parseSeconds(lifetime); err != nil {
		return kl, err
	}
	kl.SigValidity, err = parseSeconds(sigValidity)
	return kl, err
}

// parseSeconds accepts either a bare number of seconds or a Go
// duration string.
func parseSeconds(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return uint32(d / time.Second), nil
}

func (conf *Config) ReloadConfig() (string, error) {
	if err := viper.Unmarshal(conf); err != nil {
		log.Printf("ReloadConfig: error reloading: %v", err)
		return "", err
	}
	conf.App.ServerConfigTime = time.Now()
	return "Config reloaded.", nil
}
