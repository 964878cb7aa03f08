// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package msgs implements the control-channel messages exchanged with a DTN
// forwarding daemon. Every message is wrapped in the common envelope, a CBOR
// array of message type, message version, the daemon's node EID and one
// message-specific body item.
package msgs

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// Message type codes of the daemon-to-router direction.
const (
	TypeHello             uint64 = 1
	TypeAlert             uint64 = 2
	TypeLinkReport        uint64 = 3
	TypeLinkAvailable     uint64 = 4
	TypeLinkOpened        uint64 = 5
	TypeLinkClosed        uint64 = 6
	TypeLinkUnavailable   uint64 = 7
	TypeBundleReport      uint64 = 8
	TypeBundleReceived    uint64 = 9
	TypeBundleTransmitted uint64 = 10
	TypeBundleDelivered   uint64 = 11
	TypeBundleExpired     uint64 = 12
	TypeBundleCancelled   uint64 = 13
	TypeCustodyTimeout    uint64 = 14
	TypeCustodyAccepted   uint64 = 15
	TypeCustodySignal     uint64 = 16
)

// Message type codes of the router-to-daemon direction.
const (
	TypeLinkQuery           uint64 = 32
	TypeBundleQuery         uint64 = 33
	TypeLinkCloseReq        uint64 = 34
	TypeLinkReconfigureReq  uint64 = 35
	TypeTransmitBundleReq   uint64 = 36
	TypeTakeCustodyReq      uint64 = 37
	TypeDeleteBundleReq     uint64 = 38
	TypeDeleteAllBundlesReq uint64 = 39
	TypeShutdownReq         uint64 = 40
)

// msgVersion is the only supported message version for every type.
const msgVersion uint64 = 0

// CustodyReasonRedundantReception is the custody-signal reason code for a
// redundant reception, the one failure that still releases custody.
const CustodyReasonRedundantReception uint64 = 3

// Message is one control-channel message. MarshalCbor and UnmarshalCbor
// handle the message body only; the envelope is applied by WriteEnvelope and
// stripped by ReadEnvelope.
type Message interface {
	TypeCode() uint64

	cboring.CborMarshaler
}

// UnknownMessageError reports an unsupported (type, version) combination.
// Such frames are logged and dropped, never fatal.
type UnknownMessageError struct {
	Type    uint64
	Version uint64
}

func (e *UnknownMessageError) Error() string {
	return fmt.Sprintf("unknown message type %d, version %d", e.Type, e.Version)
}

// newMessage creates the zero Message for a type code, or nil.
func newMessage(typeCode uint64) Message {
	switch typeCode {
	case TypeHello:
		return &Hello{}
	case TypeAlert:
		return &Alert{}
	case TypeLinkReport:
		return &LinkReport{}
	case TypeLinkAvailable:
		return &LinkAvailable{}
	case TypeLinkOpened:
		return &LinkOpened{}
	case TypeLinkClosed:
		return &LinkClosed{}
	case TypeLinkUnavailable:
		return &LinkUnavailable{}
	case TypeBundleReport:
		return &BundleReport{}
	case TypeBundleReceived:
		return &BundleReceived{}
	case TypeBundleTransmitted:
		return &BundleTransmitted{}
	case TypeBundleDelivered:
		return &BundleDelivered{}
	case TypeBundleExpired:
		return &BundleExpired{}
	case TypeBundleCancelled:
		return &BundleCancelled{}
	case TypeCustodyTimeout:
		return &CustodyTimeout{}
	case TypeCustodyAccepted:
		return &CustodyAccepted{}
	case TypeCustodySignal:
		return &CustodySignal{}
	case TypeLinkQuery:
		return &LinkQuery{}
	case TypeBundleQuery:
		return &BundleQuery{}
	case TypeLinkCloseReq:
		return &LinkCloseReq{}
	case TypeLinkReconfigureReq:
		return &LinkReconfigureReq{}
	case TypeTransmitBundleReq:
		return &TransmitBundleReq{}
	case TypeTakeCustodyReq:
		return &TakeCustodyReq{}
	case TypeDeleteBundleReq:
		return &DeleteBundleReq{}
	case TypeDeleteAllBundlesReq:
		return &DeleteAllBundlesReq{}
	case TypeShutdownReq:
		return &ShutdownReq{}
	default:
		return nil
	}
}

// WriteEnvelope wraps a Message in the common envelope and writes it.
func WriteEnvelope(m Message, serverEID string, w io.Writer) error {
	if err := cboring.WriteArrayLength(4, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(m.TypeCode(), w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(msgVersion, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(serverEID, w); err != nil {
		return err
	}

	return m.MarshalCbor(w)
}

// ReadEnvelope reads one enveloped Message, returning the message and the
// daemon EID it belongs to. An unsupported (type, version) yields an
// UnknownMessageError; the caller drops the remaining frame bytes.
func ReadEnvelope(r io.Reader) (m Message, serverEID string, err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		err = arrErr
		return
	} else if n != 4 {
		err = fmt.Errorf("envelope expected array of 4 elements, not %d", n)
		return
	}

	var typeCode, version uint64
	if typeCode, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if version, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if serverEID, err = cboring.ReadTextString(r); err != nil {
		return
	}

	if version != msgVersion {
		err = &UnknownMessageError{Type: typeCode, Version: version}
		return
	}
	if m = newMessage(typeCode); m == nil {
		err = &UnknownMessageError{Type: typeCode, Version: version}
		return
	}

	err = m.UnmarshalCbor(r)
	return
}
