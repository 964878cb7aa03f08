// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package monitor serves the management HTTP API: node and link reports,
// Prometheus metrics and a live websocket event stream.
package monitor

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ehsrouter-go/core"
	"github.com/dtn7/ehsrouter-go/routing"
)

// Server is the management HTTP endpoint.
type Server struct {
	router *core.ExternalRouter
	hub    *EventHub
	srv    *http.Server
}

// NewServer wires the API below the given listen address and starts serving.
func NewServer(listenAddress string, router *core.ExternalRouter) *Server {
	s := &Server{
		router: router,
		hub:    NewEventHub(),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(router))

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/nodes/{eid}/bundles", s.handleBundles).Methods("GET")
	r.HandleFunc("/nodes/{eid}/links", s.handleLinks).Methods("GET")
	r.HandleFunc("/nodes/{eid}/fwdlink/intervals", s.handleIntervals).Methods("GET")
	r.HandleFunc("/nodes/{eid}/bundles", s.handleDeleteBundles).Methods("DELETE")
	r.HandleFunc("/nodes/{eid}/bundles/all", s.handleDeleteAllBundles).Methods("DELETE")
	r.HandleFunc("/nodes/{eid}/shutdown", s.handleShutdown).Methods("POST")
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/ws/events", s.hub.handleWebsocket)

	s.srv = &http.Server{
		Addr:         listenAddress,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithFields(log.Fields{
				"error": err,
			}).Error("Monitor server failed")
		}
	}()

	return s
}

// Hub returns the event hub for publishing live events.
func (s *Server) Hub() *EventHub {
	return s.hub
}

// Close stops serving.
func (s *Server) Close() error {
	s.hub.Close()
	return s.srv.Close()
}

type nodeStatus struct {
	EID         string         `json:"eid"`
	Totals      routing.Totals `json:"totals"`
	Unrouted    uint64         `json:"unrouted"`
	Undelivered int            `json:"undelivered"`
	Custody     int            `json:"custody"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	var status []nodeStatus
	for _, n := range s.router.Nodes() {
		status = append(status, nodeStatus{
			EID:         n.EID(),
			Totals:      n.Catalogue().Snapshot(),
			Unrouted:    n.Router().Unrouted().Size(),
			Undelivered: n.UndeliveredCount(),
			Custody:     n.CustodyCount(),
		})
	}

	writeJSON(w, status)
}

func (s *Server) node(w http.ResponseWriter, r *http.Request) *core.DtnNode {
	n := s.router.NodeByEID(mux.Vars(r)["eid"])
	if n == nil {
		http.Error(w, "unknown node", http.StatusNotFound)
	}
	return n
}

func (s *Server) handleBundles(w http.ResponseWriter, r *http.Request) {
	n := s.node(w, r)
	if n == nil {
		return
	}

	writeJSON(w, n.Catalogue().StatsByPair())
}

type linkStatus struct {
	LinkID      string `json:"link_id"`
	RemoteEID   string `json:"remote_eid"`
	RemoteAddr  string `json:"remote_addr"`
	State       string `json:"state"`
	IsFwdLink   bool   `json:"is_fwdlink"`
	Rejected    bool   `json:"rejected"`
	ThrottleBps uint64 `json:"throttle_bps"`
	Pending     uint64 `json:"pending"`
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	n := s.node(w, r)
	if n == nil {
		return
	}

	var links []linkStatus
	for _, l := range n.Router().Links() {
		links = append(links, linkStatus{
			LinkID:      l.ID(),
			RemoteEID:   l.RemoteEID(),
			RemoteAddr:  l.RemoteAddr(),
			State:       string(l.State()),
			IsFwdLink:   l.IsFwdLink(),
			Rejected:    l.IsRejected(),
			ThrottleBps: l.ThrottleBps(),
			Pending:     l.PendingBundles(),
		})
	}

	writeJSON(w, links)
}

func (s *Server) handleIntervals(w http.ResponseWriter, r *http.Request) {
	n := s.node(w, r)
	if n == nil {
		return
	}

	writeJSON(w, n.Catalogue().FwdLinkIntervals())
}

func (s *Server) handleDeleteBundles(w http.ResponseWriter, r *http.Request) {
	n := s.node(w, r)
	if n == nil {
		return
	}

	src, srcErr := strconv.ParseUint(r.URL.Query().Get("src"), 10, 64)
	dst, dstErr := strconv.ParseUint(r.URL.Query().Get("dst"), 10, 64)
	if srcErr != nil || dstErr != nil {
		http.Error(w, "src and dst query parameters are required", http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]int{"deleted": n.DeleteBundles(src, dst)})
}

func (s *Server) handleDeleteAllBundles(w http.ResponseWriter, r *http.Request) {
	n := s.node(w, r)
	if n == nil {
		return
	}

	n.DeleteAllBundles()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	n := s.node(w, r)
	if n == nil {
		return
	}

	if err := s.router.ShutdownServer(n.EID()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Encoding monitor response failed")
	}
}
