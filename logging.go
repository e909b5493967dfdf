/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrd

import (
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

func SetupLogging(conf LogConf) error {

	log.SetFlags(log.Lshortfile | log.Ltime)

	if conf.File == "" {
		return nil
	}

	maxSize, maxBackups, maxAge := conf.MaxSizeMB, conf.MaxBackups, conf.MaxAgeDays
	if maxSize == 0 {
		maxSize = 20
	}
	if maxBackups == 0 {
		maxBackups = 3
	}
	if maxAge == 0 {
		maxAge = 14
	}

	log.SetOutput(&lumberjack.Logger{
		Filename:   conf.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
	})

	return nil
}
