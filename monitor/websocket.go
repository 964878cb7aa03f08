// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package monitor

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Event is one entry of the live management event stream.
type Event struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// EventHub fans management events out to every connected websocket client.
// Slow clients are dropped rather than allowed to block the publisher.
type EventHub struct {
	upgrader websocket.Upgrader

	mutex   sync.Mutex
	clients map[*websocket.Conn]chan Event
	closed  bool
}

// NewEventHub creates an EventHub without clients.
func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]chan Event),
	}
}

// Publish delivers an event to every client.
func (h *EventHub) Publish(event Event) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for conn, queue := range h.clients {
		select {
		case queue <- event:
		default:
			log.WithFields(log.Fields{
				"client": conn.RemoteAddr(),
			}).Warn("Dropping slow websocket event client")

			close(queue)
			delete(h.clients, conn)
		}
	}
}

func (h *EventHub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Warn("Websocket upgrade failed")
		return
	}

	queue := make(chan Event, 64)

	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[conn] = queue
	h.mutex.Unlock()

	go h.writer(conn, queue)
}

func (h *EventHub) writer(conn *websocket.Conn, queue chan Event) {
	defer func() {
		_ = conn.Close()

		h.mutex.Lock()
		if _, ok := h.clients[conn]; ok {
			close(queue)
			delete(h.clients, conn)
		}
		h.mutex.Unlock()
	}()

	for event := range queue {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}

// Close disconnects every client.
func (h *EventHub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.closed = true
	for conn, queue := range h.clients {
		close(queue)
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// LogHook forwards logrus entries of info, warning and error level into an
// EventHub, giving websocket clients a live view of router events.
type LogHook struct {
	Hub *EventHub
}

func (hook *LogHook) Levels() []log.Level {
	return []log.Level{log.ErrorLevel, log.WarnLevel, log.InfoLevel}
}

func (hook *LogHook) Fire(entry *log.Entry) error {
	fields := make(map[string]string, len(entry.Data))
	for key, value := range entry.Data {
		fields[key] = formatField(value)
	}

	hook.Hub.Publish(Event{
		Time:    entry.Time,
		Level:   entry.Level.String(),
		Message: entry.Message,
		Fields:  fields,
	})

	return nil
}

func formatField(value interface{}) string {
	switch value := value.(type) {
	case string:
		return value
	case error:
		return value.Error()
	default:
		return fmt.Sprint(value)
	}
}
