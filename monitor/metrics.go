// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtn7/ehsrouter-go/core"
)

// Collector exposes the catalogue and link counters of every DTN node agent
// as Prometheus metrics.
type Collector struct {
	router *core.ExternalRouter

	received    *prometheus.Desc
	transmitted *prometheus.Desc
	delivered   *prometheus.Desc
	rejected    *prometheus.Desc
	expired     *prometheus.Desc
	pending     *prometheus.Desc
	custody     *prometheus.Desc
	unrouted    *prometheus.Desc

	linkPending *prometheus.Desc
	linkRate    *prometheus.Desc
	linkOpen    *prometheus.Desc
}

// NewCollector creates a Collector over the supervisor's agents.
func NewCollector(router *core.ExternalRouter) *Collector {
	nodeLabels := []string{"node"}
	linkLabels := []string{"node", "link"}

	return &Collector{
		router: router,

		received: prometheus.NewDesc("ehsrouter_bundles_received_total",
			"Bundles received per DTN node", nodeLabels, nil),
		transmitted: prometheus.NewDesc("ehsrouter_bundles_transmitted_total",
			"Bundles transmitted per DTN node", nodeLabels, nil),
		delivered: prometheus.NewDesc("ehsrouter_bundles_delivered_total",
			"Bundles delivered per DTN node", nodeLabels, nil),
		rejected: prometheus.NewDesc("ehsrouter_bundles_rejected_total",
			"Bundles rejected per DTN node", nodeLabels, nil),
		expired: prometheus.NewDesc("ehsrouter_bundles_expired_total",
			"Bundles expired per DTN node", nodeLabels, nil),
		pending: prometheus.NewDesc("ehsrouter_bundles_pending",
			"Bundles currently pending per DTN node", nodeLabels, nil),
		custody: prometheus.NewDesc("ehsrouter_bundles_custody",
			"Bundles currently in custody per DTN node", nodeLabels, nil),
		unrouted: prometheus.NewDesc("ehsrouter_bundles_unrouted",
			"Bundles parked without an eligible link per DTN node", nodeLabels, nil),

		linkPending: prometheus.NewDesc("ehsrouter_link_bundles_pending",
			"Bundles queued per link", linkLabels, nil),
		linkRate: prometheus.NewDesc("ehsrouter_link_throttle_bps",
			"Configured link throttle in bits per second", linkLabels, nil),
		linkOpen: prometheus.NewDesc("ehsrouter_link_open",
			"Whether the link is open", linkLabels, nil),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.received
	descs <- c.transmitted
	descs <- c.delivered
	descs <- c.rejected
	descs <- c.expired
	descs <- c.pending
	descs <- c.custody
	descs <- c.unrouted
	descs <- c.linkPending
	descs <- c.linkRate
	descs <- c.linkOpen
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for _, n := range c.router.Nodes() {
		eid := n.EID()
		totals := n.Catalogue().Snapshot()

		metrics <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue,
			float64(totals.Received), eid)
		metrics <- prometheus.MustNewConstMetric(c.transmitted, prometheus.CounterValue,
			float64(totals.Transmitted), eid)
		metrics <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue,
			float64(totals.Delivered), eid)
		metrics <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue,
			float64(totals.Rejected), eid)
		metrics <- prometheus.MustNewConstMetric(c.expired, prometheus.CounterValue,
			float64(totals.Expired), eid)
		metrics <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue,
			float64(totals.Pending), eid)
		metrics <- prometheus.MustNewConstMetric(c.custody, prometheus.GaugeValue,
			float64(totals.Custody), eid)
		metrics <- prometheus.MustNewConstMetric(c.unrouted, prometheus.GaugeValue,
			float64(n.Router().Unrouted().Size()), eid)

		for _, l := range n.Router().Links() {
			open := 0.0
			if l.IsOpen() {
				open = 1.0
			}

			metrics <- prometheus.MustNewConstMetric(c.linkPending, prometheus.GaugeValue,
				float64(l.PendingBundles()), eid, l.ID())
			metrics <- prometheus.MustNewConstMetric(c.linkRate, prometheus.GaugeValue,
				float64(l.ThrottleBps()), eid, l.ID())
			metrics <- prometheus.MustNewConstMetric(c.linkOpen, prometheus.GaugeValue,
				open, eid, l.ID())
		}
	}
}
