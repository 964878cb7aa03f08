// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgs

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// LinkEntry is one link's description within a link report or a link-opened
// message.
type LinkEntry struct {
	LinkID     string
	RemoteEID  string
	ConvLayer  string
	NextHop    string
	RemoteAddr string
	RemotePort uint64
	LinkState  string
}

func (le *LinkEntry) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(7, w); err != nil {
		return err
	}

	for _, s := range []string{le.LinkID, le.RemoteEID, le.ConvLayer, le.NextHop, le.RemoteAddr} {
		if err := cboring.WriteTextString(s, w); err != nil {
			return err
		}
	}
	if err := cboring.WriteUInt(le.RemotePort, w); err != nil {
		return err
	}

	return cboring.WriteTextString(le.LinkState, w)
}

func (le *LinkEntry) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 7 {
		return fmt.Errorf("LinkEntry expected array of 7 elements, not %d", n)
	}

	for _, s := range []*string{&le.LinkID, &le.RemoteEID, &le.ConvLayer, &le.NextHop, &le.RemoteAddr} {
		if field, err := cboring.ReadTextString(r); err != nil {
			return err
		} else {
			*s = field
		}
	}
	if port, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		le.RemotePort = port
	}
	if state, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		le.LinkState = state
	}

	return nil
}

// BundleEntry is one bundle's description within a bundle report or a
// bundle-received message.
type BundleEntry struct {
	BundleID         uint64
	SourceEID        string
	DestEID          string
	Length           uint64
	Priority         uint64
	Expiration       uint64
	CustodyRequested bool
	LocalCustody     bool
	ExpiredInTransit bool
	ReceivedFromLink string
	GbofID           string
	EcosFlags        uint64
}

func (be *BundleEntry) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(12, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(be.BundleID, w); err != nil {
		return err
	}
	for _, s := range []string{be.SourceEID, be.DestEID} {
		if err := cboring.WriteTextString(s, w); err != nil {
			return err
		}
	}
	for _, n := range []uint64{be.Length, be.Priority, be.Expiration} {
		if err := cboring.WriteUInt(n, w); err != nil {
			return err
		}
	}
	for _, b := range []bool{be.CustodyRequested, be.LocalCustody, be.ExpiredInTransit} {
		if err := cboring.WriteBoolean(b, w); err != nil {
			return err
		}
	}
	for _, s := range []string{be.ReceivedFromLink, be.GbofID} {
		if err := cboring.WriteTextString(s, w); err != nil {
			return err
		}
	}

	return cboring.WriteUInt(be.EcosFlags, w)
}

func (be *BundleEntry) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 12 {
		return fmt.Errorf("BundleEntry expected array of 12 elements, not %d", n)
	}

	if id, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		be.BundleID = id
	}
	for _, s := range []*string{&be.SourceEID, &be.DestEID} {
		if field, err := cboring.ReadTextString(r); err != nil {
			return err
		} else {
			*s = field
		}
	}
	for _, n := range []*uint64{&be.Length, &be.Priority, &be.Expiration} {
		if field, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			*n = field
		}
	}
	for _, b := range []*bool{&be.CustodyRequested, &be.LocalCustody, &be.ExpiredInTransit} {
		if field, err := cboring.ReadBoolean(r); err != nil {
			return err
		} else {
			*b = field
		}
	}
	for _, s := range []*string{&be.ReceivedFromLink, &be.GbofID} {
		if field, err := cboring.ReadTextString(r); err != nil {
			return err
		} else {
			*s = field
		}
	}
	if flags, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		be.EcosFlags = flags
	}

	return nil
}

// Key/value types of a LinkReconfigureReq parameter.
const (
	KeyValueUInt uint64 = 0
	KeyValueBool uint64 = 1
)

// KeyValue is one typed link-reconfiguration parameter, e.g. "rate" or
// "comm_aos".
type KeyValue struct {
	Key       string
	ValueType uint64
	UIntValue uint64
	BoolValue bool
}

// UIntKeyValue builds an uint parameter.
func UIntKeyValue(key string, value uint64) KeyValue {
	return KeyValue{Key: key, ValueType: KeyValueUInt, UIntValue: value}
}

// BoolKeyValue builds a bool parameter.
func BoolKeyValue(key string, value bool) KeyValue {
	return KeyValue{Key: key, ValueType: KeyValueBool, BoolValue: value}
}

func (kv *KeyValue) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(kv.Key, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(kv.ValueType, w); err != nil {
		return err
	}

	switch kv.ValueType {
	case KeyValueUInt:
		return cboring.WriteUInt(kv.UIntValue, w)
	case KeyValueBool:
		return cboring.WriteBoolean(kv.BoolValue, w)
	default:
		return fmt.Errorf("KeyValue has unknown value type %d", kv.ValueType)
	}
}

func (kv *KeyValue) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 3 {
		return fmt.Errorf("KeyValue expected array of 3 elements, not %d", n)
	}

	if key, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		kv.Key = key
	}
	if valueType, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		kv.ValueType = valueType
	}

	switch kv.ValueType {
	case KeyValueUInt:
		if value, err := cboring.ReadUInt(r); err != nil {
			return err
		} else {
			kv.UIntValue = value
		}
	case KeyValueBool:
		if value, err := cboring.ReadBoolean(r); err != nil {
			return err
		} else {
			kv.BoolValue = value
		}
	default:
		return fmt.Errorf("KeyValue has unknown value type %d", kv.ValueType)
	}

	return nil
}
