// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// ehsrouterd is an external routing decision engine for a DTN forwarding
// daemon, steering bundles over a rate-limited, AOS/LOS-gated forward link.
package main

import (
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
)

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)

	<-sig
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	router, watcher, mon, err := parseExternalRouter(os.Args[1])
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Fatal("Failed to parse config")
	}

	waitSigint()
	log.Info("Shutting down..")

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			log.WithFields(log.Fields{
				"error": err,
			}).Warn("Closing the directive watcher errored")
		}
	}

	if mon != nil {
		if err := mon.Close(); err != nil {
			log.WithFields(log.Fields{
				"error": err,
			}).Warn("Closing the monitor errored")
		}
	}

	if err := router.Stop(); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Stopping the external router errored")
	}
}
