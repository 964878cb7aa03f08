// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ehsrouter-go/bundle"
)

// PairStats are the lifetime counters kept per (source, destination) pair.
type PairStats struct {
	Key bundle.SrcDstKey

	Received       uint64
	Transmitted    uint64
	TransmitFailed uint64
	Delivered      uint64
	Rejected       uint64
	Expired        uint64
	TTLAbuse       uint64

	Pending      uint64
	PendingBytes uint64
	Custody      uint64
	PendingByCOS [4]uint64

	ExpeditedRcv uint64
	ExpeditedXmt uint64
}

// fwdLinkIntervalLen is the rolling window for forward-link throughput stats.
const fwdLinkIntervalLen = 60 * time.Second

// FwdLinkIntervalStats is one pair's forward-link throughput over the last
// completed interval and the running one.
type FwdLinkIntervalStats struct {
	Key           bundle.SrcDstKey
	IntervalStart time.Time
	Bundles       uint64
	Bytes         uint64
	PrevBundles   uint64
	PrevBytes     uint64
}

// Catalogue is the master map of every bundle known to one DTN node. A bundle
// stays catalogued from its first report until it is erased, at which point
// all other holders drain their references.
//
// All operations are idempotent and silent on unknown ids: state divergence
// from the daemon is normal and is what resync repairs.
type Catalogue struct {
	mutex sync.Mutex

	list     map[uint64]*bundle.Bundle
	stats    map[bundle.SrcDstKey]*PairStats
	interval map[bundle.SrcDstKey]*FwdLinkIntervalStats

	maxExpirationFwd uint64
	maxExpirationRtn uint64

	totalPending uint64
	totalCustody uint64
	totalBytes   uint64

	totalReceived       uint64
	totalTransmitted    uint64
	totalTransmitFailed uint64
	totalRejected       uint64
	totalDelivered      uint64
	totalExpired        uint64
}

// NewCatalogue creates an empty Catalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{
		list:     make(map[uint64]*bundle.Bundle),
		stats:    make(map[bundle.SrcDstKey]*PairStats),
		interval: make(map[bundle.SrcDstKey]*FwdLinkIntervalStats),
	}
}

// SetMaxExpirationFwd sets the TTL bound for forward-link destinations.
func (c *Catalogue) SetMaxExpirationFwd(secs uint64) {
	c.mutex.Lock()
	c.maxExpirationFwd = secs
	c.mutex.Unlock()
}

// SetMaxExpirationRtn sets the TTL bound for return-link destinations.
func (c *Catalogue) SetMaxExpirationRtn(secs uint64) {
	c.mutex.Lock()
	c.maxExpirationRtn = secs
	c.mutex.Unlock()
}

func (c *Catalogue) pairStats(key bundle.SrcDstKey) *PairStats {
	ps, ok := c.stats[key]
	if !ok {
		ps = &PairStats{Key: key}
		c.stats[key] = ps
	}
	return ps
}

// Find returns the bundle with the given id, or nil.
func (c *Catalogue) Find(id uint64) *bundle.Bundle {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.list[id]
}

// Size returns the number of catalogued bundles.
func (c *Catalogue) Size() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.list)
}

// Pending returns the number of bundles currently pending on this node.
func (c *Catalogue) Pending() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.totalPending
}

// Custody returns the number of bundles this node has custody of.
func (c *Catalogue) Custody() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.totalCustody
}

// BundleReceived catalogues a new bundle. A duplicate id is logged and
// dropped; the caller must not pass the duplicate onward.
func (c *Catalogue) BundleReceived(b *bundle.Bundle) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.list[b.ID]; ok {
		log.WithFields(log.Fields{
			"bundle": b.ID,
			"source": b.SourceEID,
			"dest":   b.DestEID,
		}).Info("Catalogue ignores duplicate bundle id")
		return false
	}

	c.list[b.ID] = b

	ps := c.pairStats(b.Key())
	ps.Received++
	ps.Pending++
	ps.PendingBytes += b.Length
	ps.PendingByCOS[b.COS&3]++
	if b.COS == bundle.Expedited {
		ps.ExpeditedRcv++
	}

	maxExpiration := c.maxExpirationRtn
	if b.IsFwdLinkDestination() {
		maxExpiration = c.maxExpirationFwd
	}
	if maxExpiration > 0 && b.Expiration > maxExpiration {
		ps.TTLAbuse++
		log.WithFields(log.Fields{
			"bundle":     b.ID,
			"expiration": b.Expiration,
			"max":        maxExpiration,
		}).Warn("Bundle exceeds the configured TTL bound")
	}

	if b.LocalCustody() {
		ps.Custody++
		c.totalCustody++
	}

	c.totalReceived++
	c.totalPending++
	c.totalBytes += b.Length

	return true
}

// Erase removes a bundle from the catalogue, updating the pending aggregates.
func (c *Catalogue) Erase(b *bundle.Bundle) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.eraseLocked(b)
}

func (c *Catalogue) eraseLocked(b *bundle.Bundle) {
	if _, ok := c.list[b.ID]; !ok {
		return
	}
	delete(c.list, b.ID)

	ps := c.pairStats(b.Key())
	ps.Pending--
	ps.PendingBytes -= b.Length
	ps.PendingByCOS[b.COS&3]--

	c.totalPending--
	c.totalBytes -= b.Length
}

// BundleExpired counts an expiration and returns the bundle, or nil.
func (c *Catalogue) BundleExpired(id uint64) *bundle.Bundle {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	b, ok := c.list[id]
	if !ok {
		return nil
	}

	c.pairStats(b.Key()).Expired++
	c.totalExpired++

	return b
}

// BundleRejected counts a rejection for an already catalogued bundle.
func (c *Catalogue) BundleRejected(b *bundle.Bundle) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.pairStats(b.Key()).Rejected++
	c.totalRejected++
}

// BundleTransmitted counts a transmission outcome and returns the bundle.
func (c *Catalogue) BundleTransmitted(id uint64, success bool) *bundle.Bundle {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	b, ok := c.list[id]
	if !ok {
		return nil
	}

	ps := c.pairStats(b.Key())
	if success {
		ps.Transmitted++
		c.totalTransmitted++
		if b.COS == bundle.Expedited {
			ps.ExpeditedXmt++
		}
	} else {
		ps.TransmitFailed++
		c.totalTransmitFailed++
	}

	return b
}

// BundleDelivered counts a local delivery and returns the bundle, or nil.
func (c *Catalogue) BundleDelivered(id uint64) *bundle.Bundle {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	b, ok := c.list[id]
	if !ok {
		return nil
	}

	c.pairStats(b.Key()).Delivered++
	c.totalDelivered++

	return b
}

// BundleCustodyAccepted flags custody and returns the bundle, or nil.
func (c *Catalogue) BundleCustodyAccepted(id uint64) *bundle.Bundle {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	b, ok := c.list[id]
	if !ok {
		return nil
	}

	if !b.LocalCustody() {
		c.pairStats(b.Key()).Custody++
		c.totalCustody++
	}

	return b
}

// BundleCustodyReleased drops the custody count and returns the bundle.
func (c *Catalogue) BundleCustodyReleased(id uint64) *bundle.Bundle {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	b, ok := c.list[id]
	if !ok {
		return nil
	}

	if b.LocalCustody() {
		c.pairStats(b.Key()).Custody--
		c.totalCustody--
	}

	return b
}

// PrepareForResync clears the in-report mark on every bundle before an
// authoritative bundle report is requested.
func (c *Catalogue) PrepareForResync() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, b := range c.list {
		b.SetInReport(false)
	}
}

// FinalizeResync removes every bundle the authoritative report did not
// mention: it no longer exists on the daemon. Removed ids are also deleted
// from the undelivered and custody indices. Returns the count removed.
func (c *Catalogue) FinalizeResync(undelivered, custody map[uint64]*bundle.Bundle) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var ghosts []*bundle.Bundle
	for _, b := range c.list {
		if !b.InReport() {
			ghosts = append(ghosts, b)
		}
	}

	for _, b := range ghosts {
		if b.LocalCustody() {
			c.pairStats(b.Key()).Custody--
			c.totalCustody--
			b.ReleaseCustody()
		}

		b.SetDeleted()
		c.eraseLocked(b)

		delete(undelivered, b.ID)
		delete(custody, b.ID)

		log.WithFields(log.Fields{
			"bundle": b.ID,
			"pair":   b.Key(),
		}).Info("Resync removed a bundle unknown to the daemon")
	}

	return len(ghosts)
}

// RecordFwdLinkTransmit feeds the rolling forward-link throughput window.
func (c *Catalogue) RecordFwdLinkTransmit(b *bundle.Bundle) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	rec, ok := c.interval[b.Key()]
	if !ok {
		rec = &FwdLinkIntervalStats{Key: b.Key(), IntervalStart: time.Now()}
		c.interval[b.Key()] = rec
	}

	if elapsed := time.Since(rec.IntervalStart); elapsed >= fwdLinkIntervalLen {
		rec.PrevBundles, rec.PrevBytes = rec.Bundles, rec.Bytes
		rec.Bundles, rec.Bytes = 0, 0
		rec.IntervalStart = time.Now()
	}

	rec.Bundles++
	rec.Bytes += b.Length
}

// Totals is a snapshot of the node-wide counters.
type Totals struct {
	Received       uint64
	Transmitted    uint64
	TransmitFailed uint64
	Delivered      uint64
	Rejected       uint64
	Expired        uint64
	Pending        uint64
	Custody        uint64
	PendingBytes   uint64
}

// Snapshot returns the node-wide counters.
func (c *Catalogue) Snapshot() Totals {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return Totals{
		Received:       c.totalReceived,
		Transmitted:    c.totalTransmitted,
		TransmitFailed: c.totalTransmitFailed,
		Delivered:      c.totalDelivered,
		Rejected:       c.totalRejected,
		Expired:        c.totalExpired,
		Pending:        c.totalPending,
		Custody:        c.totalCustody,
		PendingBytes:   c.totalBytes,
	}
}

// StatsByPair returns the per-pair aggregates ordered by pair.
func (c *Catalogue) StatsByPair() []PairStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stats := make([]PairStats, 0, len(c.stats))
	for _, ps := range c.stats {
		stats = append(stats, *ps)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key.Less(stats[j].Key) })

	return stats
}

// FwdLinkIntervals returns the rolling forward-link throughput records.
func (c *Catalogue) FwdLinkIntervals() []FwdLinkIntervalStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	recs := make([]FwdLinkIntervalStats, 0, len(c.interval))
	for _, rec := range c.interval {
		recs = append(recs, *rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key.Less(recs[j].Key) })

	return recs
}
