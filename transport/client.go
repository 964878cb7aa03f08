// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport speaks the daemon's control channel: a persistent TCP
// connection carrying a magic-number handshake followed by length-prefixed
// CBOR frames.
package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/ehsrouter-go/msgs"
)

const (
	// magicClient is sent by the router directly after connecting, "XCLT".
	magicClient uint32 = 0x58434C54

	// magicServer must answer the client magic, "XRTR".
	magicServer uint32 = 0x58525452

	// maxFrameLen bounds a frame's payload; larger lengths are a framing
	// error and close the connection.
	maxFrameLen uint32 = 10_000_000

	// outboundQueueLen bounds the asynchronous send queue.
	outboundQueueLen = 512
)

// ReceiveFunc delivers one decoded inbound message with its daemon EID.
type ReceiveFunc func(m msgs.Message, serverEID string)

// Client is the framed TCP connection to one daemon. A reader goroutine
// decodes inbound frames; a sender goroutine drains the bounded outbound
// queue. Both stop on the first framing error, after which onClose fires
// exactly once.
type Client struct {
	address string
	conn    net.Conn
	id      xid.ID

	receive ReceiveFunc
	onClose func(error)

	outbound chan []byte

	closeOnce sync.Once
	stopSyn   chan struct{}
}

// Dial connects to the daemon and performs the magic-number handshake.
func Dial(address string, receive ReceiveFunc, onClose func(error)) (*Client, error) {
	conn, err := net.DialTimeout("tcp", address, 10*time.Second)
	if err != nil {
		return nil, err
	}

	if err := binary.Write(conn, binary.BigEndian, magicClient); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("writing client magic: %w", err)
	}

	var reply uint32
	if err := binary.Read(conn, binary.BigEndian, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("reading server magic: %w", err)
	} else if reply != magicServer {
		_ = conn.Close()
		return nil, fmt.Errorf("server answered magic 0x%08X, not 0x%08X", reply, magicServer)
	}

	c := &Client{
		address:  address,
		conn:     conn,
		id:       xid.New(),
		receive:  receive,
		onClose:  onClose,
		outbound: make(chan []byte, outboundQueueLen),
		stopSyn:  make(chan struct{}),
	}

	log.WithFields(log.Fields{
		"transport": c.id,
		"address":   address,
	}).Info("Control channel established")

	go c.sender()

	return c, nil
}

// Start launches the framed read loop. It is separate from Dial so the caller
// can register the Client before the first inbound message gets dispatched.
func (c *Client) Start() {
	go c.reader()
}

// Send serializes a message for the daemon EID and enqueues its frame. No
// data-model lock is held during serialization or enqueueing.
func (c *Client) Send(m msgs.Message, serverEID string) error {
	var payload bytes.Buffer
	if err := msgs.WriteEnvelope(m, serverEID, &payload); err != nil {
		return err
	}
	if uint32(payload.Len()) > maxFrameLen {
		return fmt.Errorf("frame of %d bytes exceeds the length limit", payload.Len())
	}

	frame := make([]byte, 4+payload.Len())
	binary.BigEndian.PutUint32(frame, uint32(payload.Len()))
	copy(frame[4:], payload.Bytes())

	select {
	case c.outbound <- frame:
		return nil
	case <-c.stopSyn:
		return errors.New("transport is closed")
	}
}

// Close tears the connection down.
func (c *Client) Close() {
	c.shutdown(nil)
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		close(c.stopSyn)
		_ = c.conn.Close()

		if err != nil {
			log.WithFields(log.Fields{
				"transport": c.id,
				"error":     err,
			}).Warn("Control channel closed")
		} else {
			log.WithFields(log.Fields{
				"transport": c.id,
			}).Info("Control channel closed")
		}

		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

func (c *Client) reader() {
	for {
		var frameLen uint32
		if err := binary.Read(c.conn, binary.BigEndian, &frameLen); err != nil {
			c.shutdown(readErrOrNil(err, c.stopSyn))
			return
		}

		if frameLen > maxFrameLen {
			c.shutdown(fmt.Errorf("frame length %d exceeds the limit", frameLen))
			return
		}

		payload := make([]byte, frameLen)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			c.shutdown(fmt.Errorf("reading frame payload: %w", err))
			return
		}

		m, serverEID, err := msgs.ReadEnvelope(bytes.NewReader(payload))
		if err != nil {
			var unknown *msgs.UnknownMessageError
			if errors.As(err, &unknown) {
				log.WithFields(log.Fields{
					"transport": c.id,
					"type":      unknown.Type,
					"version":   unknown.Version,
				}).Warn("Ignoring unknown message")
				continue
			}

			c.shutdown(fmt.Errorf("malformed message header: %w", err))
			return
		}

		c.receive(m, serverEID)
	}
}

func (c *Client) sender() {
	for {
		select {
		case <-c.stopSyn:
			return

		case frame := <-c.outbound:
			if _, err := c.conn.Write(frame); err != nil {
				c.shutdown(fmt.Errorf("writing frame: %w", err))
				return
			}
		}
	}
}

// readErrOrNil suppresses the read error that follows a deliberate Close.
func readErrOrNil(err error, stopSyn chan struct{}) error {
	select {
	case <-stopSyn:
		return nil
	default:
		return err
	}
}
