// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ehsrouter-go/config"
	"github.com/dtn7/ehsrouter-go/msgs"
	"github.com/dtn7/ehsrouter-go/routing"
	"github.com/dtn7/ehsrouter-go/transport"
)

// reconnectInterval paces connection attempts towards the daemon.
const reconnectInterval = 10 * time.Second

// ExternalRouter is the top-level multiplexer: it owns the control channel
// and one DtnNode agent per daemon EID seen on it. A transport break tears
// every agent down; agents cannot resynchronize across it without a fresh
// link report.
type ExternalRouter struct {
	mutex sync.Mutex

	cfg    *config.Config
	client *transport.Client
	nodes  map[string]*DtnNode

	prime         bool
	fwdlnkEnabled bool
	fwdlnkAOS     bool
	forceLOS      bool

	disconnected chan struct{}

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewExternalRouter creates the supervisor and starts its connection loop.
func NewExternalRouter(cfg *config.Config) *ExternalRouter {
	er := &ExternalRouter{
		cfg:     cfg,
		nodes:   make(map[string]*DtnNode),
		prime:   true,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	go er.run()

	return er
}

// run dials the daemon and redials after every transport break.
func (er *ExternalRouter) run() {
	defer close(er.stopAck)

	for {
		select {
		case <-er.stopSyn:
			return
		default:
		}

		er.mutex.Lock()
		address := fmt.Sprintf("%s:%d", er.cfg.RemoteAddress, er.cfg.RemotePort)
		er.mutex.Unlock()

		disconnected := make(chan struct{})

		client, err := transport.Dial(address, er.receive, func(error) {
			er.tearDownNodes()
			close(disconnected)
		})
		if err != nil {
			log.WithFields(log.Fields{
				"address": address,
				"error":   err,
			}).Warn("Connecting to the daemon failed, retrying")

			select {
			case <-er.stopSyn:
				return
			case <-time.After(reconnectInterval):
				continue
			}
		}

		er.mutex.Lock()
		er.client = client
		er.disconnected = disconnected
		er.mutex.Unlock()

		client.Start()

		select {
		case <-er.stopSyn:
			client.Close()
			<-disconnected
			return

		case <-disconnected:
			er.mutex.Lock()
			er.client = nil
			er.mutex.Unlock()
		}
	}
}

// receive dispatches one inbound message to the agent of its daemon EID,
// creating the agent on first contact.
func (er *ExternalRouter) receive(m msgs.Message, serverEID string) {
	if alert, ok := m.(*msgs.Alert); ok {
		er.handleAlert(alert, serverEID)
		return
	}

	er.nodeForEID(serverEID).PostMessage(m)
}

func (er *ExternalRouter) handleAlert(alert *msgs.Alert, serverEID string) {
	log.WithFields(log.Fields{
		"node":  serverEID,
		"alert": alert.Text,
	}).Info("Daemon alert")

	switch alert.Text {
	case "shuttingDown":
		er.removeNode(serverEID)

	case "justBooted":
		// all state is stale, start the agent over
		er.removeNode(serverEID)
		er.nodeForEID(serverEID)

	default:
		log.WithFields(log.Fields{
			"node":  serverEID,
			"alert": alert.Text,
		}).Warn("Unhandled daemon alert")
	}
}

// nodeForEID returns the agent for a daemon EID, creating it on demand.
func (er *ExternalRouter) nodeForEID(serverEID string) *DtnNode {
	er.mutex.Lock()
	n, ok := er.nodes[serverEID]
	cfg := er.cfg
	prime, fwdlnkEnabled, fwdlnkAOS, forceLOS := er.prime, er.fwdlnkEnabled, er.fwdlnkAOS, er.forceLOS
	er.mutex.Unlock()

	if ok {
		return n
	}

	log.WithFields(log.Fields{
		"node": serverEID,
	}).Info("Discovered DTN node")

	n = NewDtnNode(serverEID, er.sendFunc(serverEID), cfg)
	n.Router().SetPrimeMode(prime)
	n.Router().SetFwdlnkForceLOSWhileDisabled(forceLOS)
	n.Router().SetFwdlnkEnabled(fwdlnkEnabled)
	n.Router().SetFwdlnkAOS(fwdlnkAOS)

	er.mutex.Lock()
	// a concurrent discovery may have won the race
	if existing, ok := er.nodes[serverEID]; ok {
		er.mutex.Unlock()
		n.Stop()
		return existing
	}
	er.nodes[serverEID] = n
	er.mutex.Unlock()

	return n
}

func (er *ExternalRouter) removeNode(serverEID string) {
	er.mutex.Lock()
	n, ok := er.nodes[serverEID]
	delete(er.nodes, serverEID)
	er.mutex.Unlock()

	if ok {
		n.Stop()
	}
}

// tearDownNodes stops every agent, e.g. after a transport break.
func (er *ExternalRouter) tearDownNodes() {
	er.mutex.Lock()
	nodes := er.nodes
	er.nodes = make(map[string]*DtnNode)
	er.mutex.Unlock()

	for _, n := range nodes {
		n.Stop()
	}
}

// sendFunc binds the control channel to one daemon EID.
func (er *ExternalRouter) sendFunc(serverEID string) routing.SendFunc {
	return func(m msgs.Message) {
		er.mutex.Lock()
		client := er.client
		er.mutex.Unlock()

		if client == nil {
			log.WithFields(log.Fields{
				"node": serverEID,
				"type": m.TypeCode(),
			}).Debug("Dropping outbound message, transport is down")
			return
		}

		if err := client.Send(m, serverEID); err != nil {
			log.WithFields(log.Fields{
				"node":  serverEID,
				"type":  m.TypeCode(),
				"error": err,
			}).Warn("Sending message failed")
		}
	}
}

// Nodes returns every current agent.
func (er *ExternalRouter) Nodes() []*DtnNode {
	er.mutex.Lock()
	defer er.mutex.Unlock()

	nodes := make([]*DtnNode, 0, len(er.nodes))
	for _, n := range er.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// NodeByEID returns one agent, or nil.
func (er *ExternalRouter) NodeByEID(serverEID string) *DtnNode {
	er.mutex.Lock()
	defer er.mutex.Unlock()

	return er.nodes[serverEID]
}

// ApplyConfig broadcasts a fresh policy configuration to every agent.
func (er *ExternalRouter) ApplyConfig(cfg *config.Config) {
	er.mutex.Lock()
	er.cfg = cfg
	er.mutex.Unlock()

	for _, n := range er.Nodes() {
		n.ApplyConfig(cfg)
	}
}

// SetPrimeMode switches every router between prime and backup mode.
func (er *ExternalRouter) SetPrimeMode(prime bool) {
	er.mutex.Lock()
	er.prime = prime
	er.mutex.Unlock()

	for _, n := range er.Nodes() {
		n.Router().SetPrimeMode(prime)
	}
}

// SetFwdlnkEnabled toggles forward-link processing everywhere.
func (er *ExternalRouter) SetFwdlnkEnabled(enabled bool) {
	er.mutex.Lock()
	er.fwdlnkEnabled = enabled
	er.mutex.Unlock()

	for _, n := range er.Nodes() {
		n.Router().SetFwdlnkEnabled(enabled)
	}
}

// SetFwdlnkAOS broadcasts an AOS/LOS transition of the space link.
func (er *ExternalRouter) SetFwdlnkAOS(aos bool) {
	er.mutex.Lock()
	er.fwdlnkAOS = aos
	er.mutex.Unlock()

	for _, n := range er.Nodes() {
		n.Router().SetFwdlnkAOS(aos)
	}
}

// SetFwdlnkForceLOSWhileDisabled controls LOS signalling while disabled.
func (er *ExternalRouter) SetFwdlnkForceLOSWhileDisabled(force bool) {
	er.mutex.Lock()
	er.forceLOS = force
	er.mutex.Unlock()

	for _, n := range er.Nodes() {
		n.Router().SetFwdlnkForceLOSWhileDisabled(force)
	}
}

// SetFwdlnkThrottle reconfigures every forward link's rate limit.
func (er *ExternalRouter) SetFwdlnkThrottle(bps uint64) {
	for _, n := range er.Nodes() {
		n.Router().SetFwdlnkThrottle(bps)
	}
}

// SetLinkStatistics toggles the periodic per-link statistics everywhere.
func (er *ExternalRouter) SetLinkStatistics(enabled bool) {
	for _, n := range er.Nodes() {
		n.Router().SetLinkStatistics(enabled)
	}
}

// ShutdownServer asks one daemon to shut down.
func (er *ExternalRouter) ShutdownServer(serverEID string) error {
	er.mutex.Lock()
	client := er.client
	er.mutex.Unlock()

	if client == nil {
		return fmt.Errorf("transport is down")
	}

	return client.Send(&msgs.ShutdownReq{}, serverEID)
}

// Stop shuts the supervisor, its agents and the transport down.
func (er *ExternalRouter) Stop() error {
	close(er.stopSyn)

	er.mutex.Lock()
	client := er.client
	er.mutex.Unlock()

	var result *multierror.Error

	if client != nil {
		client.Close()
	}

	select {
	case <-er.stopAck:
	case <-time.After(10 * time.Second):
		result = multierror.Append(result, fmt.Errorf("connection loop did not stop in time"))
	}

	er.tearDownNodes()

	return result.ErrorOrNil()
}
