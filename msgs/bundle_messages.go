// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgs

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// BundleReport is one segment of the daemon's authoritative bundle listing.
// The final segment carries LastMsg.
type BundleReport struct {
	Bundles []BundleEntry
	LastMsg bool
}

func (br *BundleReport) TypeCode() uint64 {
	return TypeBundleReport
}

func (br *BundleReport) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(br.Bundles)), w); err != nil {
		return err
	}
	for i := range br.Bundles {
		if err := cboring.Marshal(&br.Bundles[i], w); err != nil {
			return err
		}
	}

	return cboring.WriteBoolean(br.LastMsg, w)
}

func (br *BundleReport) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("BundleReport expected array of 2 elements, not %d", n)
	}

	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	br.Bundles = make([]BundleEntry, n)
	for i := range br.Bundles {
		if err := cboring.Unmarshal(&br.Bundles[i], r); err != nil {
			return err
		}
	}

	br.LastMsg, err = cboring.ReadBoolean(r)
	return err
}

// BundleReceived announces bundles newly stored by the daemon, together with
// the link they arrived on.
type BundleReceived struct {
	LinkID  string
	Bundles []BundleEntry
}

func (br *BundleReceived) TypeCode() uint64 {
	return TypeBundleReceived
}

func (br *BundleReceived) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(br.LinkID, w); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(br.Bundles)), w); err != nil {
		return err
	}
	for i := range br.Bundles {
		if err := cboring.Marshal(&br.Bundles[i], w); err != nil {
			return err
		}
	}

	return nil
}

func (br *BundleReceived) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("BundleReceived expected array of 2 elements, not %d", n)
	}

	linkID, err := cboring.ReadTextString(r)
	if err != nil {
		return err
	}
	br.LinkID = linkID

	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	br.Bundles = make([]BundleEntry, n)
	for i := range br.Bundles {
		if err := cboring.Unmarshal(&br.Bundles[i], r); err != nil {
			return err
		}
	}

	return nil
}

// BundleTransmitted reports a transmission result; zero BytesSent means the
// send failed and the bundle must be re-routed.
type BundleTransmitted struct {
	LinkID    string
	BundleID  uint64
	BytesSent uint64
}

func (bt *BundleTransmitted) TypeCode() uint64 {
	return TypeBundleTransmitted
}

func (bt *BundleTransmitted) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(bt.LinkID, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(bt.BundleID, w); err != nil {
		return err
	}

	return cboring.WriteUInt(bt.BytesSent, w)
}

func (bt *BundleTransmitted) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 3 {
		return fmt.Errorf("BundleTransmitted expected array of 3 elements, not %d", n)
	}

	if bt.LinkID, err = cboring.ReadTextString(r); err != nil {
		return
	}
	if bt.BundleID, err = cboring.ReadUInt(r); err != nil {
		return
	}
	bt.BytesSent, err = cboring.ReadUInt(r)
	return
}

// bundleIDBody is the shared single-element body of bundle-id-only messages.
type bundleIDBody struct {
	BundleID uint64
}

func (bb *bundleIDBody) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(1, w); err != nil {
		return err
	}

	return cboring.WriteUInt(bb.BundleID, w)
}

func (bb *bundleIDBody) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 1 {
		return fmt.Errorf("bundle message expected array of 1 element, not %d", n)
	}

	bb.BundleID, err = cboring.ReadUInt(r)
	return
}

// BundleDelivered reports a local delivery.
type BundleDelivered struct {
	bundleIDBody
}

func (bd *BundleDelivered) TypeCode() uint64 {
	return TypeBundleDelivered
}

// BundleExpired reports a bundle the daemon discarded on TTL expiry.
type BundleExpired struct {
	bundleIDBody
}

func (be *BundleExpired) TypeCode() uint64 {
	return TypeBundleExpired
}

// BundleCancelled reports an aborted transmission; the bundle is re-routed.
type BundleCancelled struct {
	bundleIDBody
}

func (bc *BundleCancelled) TypeCode() uint64 {
	return TypeBundleCancelled
}
