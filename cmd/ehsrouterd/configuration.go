// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ehsrouter-go/config"
	"github.com/dtn7/ehsrouter-go/core"
	"github.com/dtn7/ehsrouter-go/monitor"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Router  routerConf
	Logging logConf
	Monitor monitorConf
}

// routerConf describes the Router-configuration block.
type routerConf struct {
	Address    string
	Port       uint16
	Directives string
	Inline     []string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// monitorConf describes the Monitor-configuration block.
type monitorConf struct {
	Address string
}

// configureLogging sets up logrus as requested.
func configureLogging(conf logConf) error {
	if conf.Level != "" {
		level, err := log.ParseLevel(conf.Level)
		if err != nil {
			return err
		}
		log.SetLevel(level)
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			DisableTimestamp: false,
			FullTimestamp:    true,
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown logging format %q", conf.Format)
	}

	return nil
}

// parseExternalRouter creates the ExternalRouter, its directive watcher and
// the optional monitor endpoint from a TOML configuration file.
func parseExternalRouter(filename string) (*core.ExternalRouter, *config.Watcher, *monitor.Server, error) {
	var conf tomlConfig
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return nil, nil, nil, err
	}

	if err := configureLogging(conf.Logging); err != nil {
		return nil, nil, nil, err
	}

	cfg := config.Default()
	if conf.Router.Address != "" {
		cfg.RemoteAddress = conf.Router.Address
	}
	if conf.Router.Port != 0 {
		cfg.RemotePort = conf.Router.Port
	}

	for _, directive := range conf.Router.Inline {
		if err := cfg.ParseDirective(directive); err != nil {
			return nil, nil, nil, fmt.Errorf("inline directive %q: %w", directive, err)
		}
	}

	if conf.Router.Directives != "" {
		if err := cfg.ParseFile(conf.Router.Directives); err != nil {
			log.WithFields(log.Fields{
				"file":  conf.Router.Directives,
				"error": err,
			}).Error("Directive file has errors; valid directives still apply")
		}
	}

	router := core.NewExternalRouter(cfg)

	var watcher *config.Watcher
	if conf.Router.Directives != "" {
		var err error
		watcher, err = config.Watch(conf.Router.Directives, func(fresh *config.Config) {
			fresh.RemoteAddress = cfg.RemoteAddress
			fresh.RemotePort = cfg.RemotePort
			router.ApplyConfig(fresh)
		})
		if err != nil {
			log.WithFields(log.Fields{
				"file":  conf.Router.Directives,
				"error": err,
			}).Warn("Watching the directive file failed, runtime reload disabled")
		}
	}

	var mon *monitor.Server
	if conf.Monitor.Address != "" {
		mon = monitor.NewServer(conf.Monitor.Address, router)
		log.AddHook(&monitor.LogHook{Hub: mon.Hub()})

		log.WithFields(log.Fields{
			"address": conf.Monitor.Address,
		}).Info("Monitor endpoint started")
	}

	return router, watcher, mon, nil
}
