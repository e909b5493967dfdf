/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package xfrd

import "time"

const (
	DefaultCfgFile = "/etc/xfrd/xfrd.yaml"

	DefaultRefreshMinInterval = 2 * time.Minute
	DefaultRefreshMaxInterval = 24 * time.Hour
	DefaultRetryMinInterval   = 1 * time.Minute
	DefaultRetryMaxInterval   = 1 * time.Hour
	DefaultExpireMinInterval  = 1 * time.Hour
	DefaultExpireMaxInterval  = 30 * 24 * time.Hour

	DefaultBootstrapCap = 2 * time.Hour
	DefaultMaxZoneSize  = 0 // unbounded
)
