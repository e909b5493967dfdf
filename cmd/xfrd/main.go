/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/exp/maps"
	"gopkg.in/yaml.v3"

	"github.com/dnsxfr/xfrd"
)

var appVersion string

func mainloop(ctx context.Context, cancel context.CancelFunc, conf *xfrd.Config) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		for {
			select {
			case <-exit:
				log.Println("mainloop: Exit signal received. Cleaning up.")
				cancel()
				wg.Done()
			case <-hupper:
				log.Println("mainloop: SIGHUP received. Forcing refresh of all configured zones.")
				for zname := range conf.Zones {
					conf.Internal.RefreshZoneCh <- xfrd.ZoneRefresher{Name: zname}
				}
			case <-conf.Internal.StopCh:
				log.Println("mainloop: Stop command received. Cleaning up.")
				cancel()
				wg.Done()
			}
		}
	}()
	wg.Wait()

	fmt.Println("mainloop: leaving signal dispatcher")
}

// Zconfig exists because viper lowercases map keys, which would mangle
// zone names; the zone list is decoded from its own YAML file instead.
type Zconfig struct {
	Zones map[string]xfrd.ZoneConf
}

func main() {
	var cfgFile, zonesFile string
	pflag.StringVar(&cfgFile, "config", xfrd.DefaultCfgFile, "config file")
	pflag.StringVar(&zonesFile, "zones", "/etc/xfrd/zones.yaml", "zone definitions file")
	pflag.BoolVar(&xfrd.Globals.Verbose, "verbose", false, "verbose output")
	pflag.BoolVar(&xfrd.Globals.Debug, "debug", false, "debug output")
	pflag.Parse()

	conf, err := parseConfig(cfgFile, zonesFile)
	if err != nil {
		log.Fatalf("Error parsing config: %v", err)
	}

	if err := xfrd.SetupLogging(conf.Log); err != nil {
		log.Fatalf("Error setting up logging: %v", err)
	}
	fmt.Printf("Logging to file: %s\n", conf.Log.File)
	fmt.Printf("XFRD version %s starting.\n", appVersion)

	store, err := xfrd.NewSqliteStore(conf.Db.File,
		viper.GetInt("db.journal_max_depth"), viper.GetInt("db.journal_max_usage"))
	if err != nil {
		log.Fatalf("Error opening store %s: %v", conf.Db.File, err)
	}
	defer store.Close()
	conf.Internal.Store = store

	conf.Internal.DnssecPolicies, err = xfrd.ParseDnssecPolicies(conf)
	if err != nil {
		log.Fatalf("Error parsing dnssec policies: %v", err)
	}

	if err := xfrd.RegisterZones(conf); err != nil {
		log.Fatalf("Error registering zones: %v", err)
	}
	log.Printf("All configured zones registered: %v", maps.Keys(conf.Zones))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf.Internal.StopCh = make(chan struct{}, 10)
	conf.Internal.RefreshZoneCh = make(chan xfrd.ZoneRefresher, 10)
	conf.Internal.NotifyQ = make(chan xfrd.NotifyRequest, 10)
	conf.Internal.ResignQ = make(chan *xfrd.Zone, 10)

	go xfrd.RefreshEngine(ctx, conf)
	go xfrd.NotifierEngine(conf.Internal.NotifyQ)
	go xfrd.ResignerEngine(ctx, conf.Internal.ResignQ)

	mainloop(ctx, cancel, conf)
}

func parseConfig(cfgFile, zonesFile string) (*xfrd.Config, error) {
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("could not load config %s: %v", cfgFile, err)
	}
	fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())

	conf, err := xfrd.ValidateConfig(nil, cfgFile)
	if err != nil {
		return nil, err
	}
	conf.Internal.CfgFile = cfgFile

	cfgdata, err := os.ReadFile(zonesFile)
	if err != nil {
		return nil, fmt.Errorf("error reading zones file %s: %v", zonesFile, err)
	}

	var zconf Zconfig
	if err := yaml.Unmarshal(cfgdata, &zconf); err != nil {
		return nil, fmt.Errorf("error parsing zones file %s: %v", zonesFile, err)
	}
	conf.Zones = zconf.Zones

	fmt.Printf("YAML parsed. There are %d zones:", len(conf.Zones))
	for key := range conf.Zones {
		fmt.Printf(" [%s]", key)
	}
	fmt.Println()

	for name, zc := range conf.Zones {
		zc.Name = name
		if err := xfrd.ValidateZoneOptions(zc); err != nil {
			return nil, err
		}
	}

	return conf, nil
}
