// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgs

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// emptyBody is the zero-element body shared by the parameterless requests.
type emptyBody struct{}

func (eb *emptyBody) MarshalCbor(w io.Writer) error {
	return cboring.WriteArrayLength(0, w)
}

func (eb *emptyBody) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 0 {
		return fmt.Errorf("request expected array of 0 elements, not %d", n)
	}

	return nil
}

// LinkQuery requests a fresh link report.
type LinkQuery struct {
	emptyBody
}

func (lq *LinkQuery) TypeCode() uint64 {
	return TypeLinkQuery
}

// BundleQuery requests a fresh, multi-segment bundle report.
type BundleQuery struct {
	emptyBody
}

func (bq *BundleQuery) TypeCode() uint64 {
	return TypeBundleQuery
}

// LinkCloseReq asks the daemon to close a link.
type LinkCloseReq struct {
	linkIDBody
}

func (lc *LinkCloseReq) TypeCode() uint64 {
	return TypeLinkCloseReq
}

// LinkReconfigureReq pushes typed parameters, e.g. "rate" or "comm_aos", to a
// link's convergence layer.
type LinkReconfigureReq struct {
	LinkID    string
	KeyValues []KeyValue
}

func (lr *LinkReconfigureReq) TypeCode() uint64 {
	return TypeLinkReconfigureReq
}

func (lr *LinkReconfigureReq) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(lr.LinkID, w); err != nil {
		return err
	}

	if err := cboring.WriteArrayLength(uint64(len(lr.KeyValues)), w); err != nil {
		return err
	}
	for i := range lr.KeyValues {
		if err := cboring.Marshal(&lr.KeyValues[i], w); err != nil {
			return err
		}
	}

	return nil
}

func (lr *LinkReconfigureReq) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("LinkReconfigureReq expected array of 2 elements, not %d", n)
	}

	linkID, err := cboring.ReadTextString(r)
	if err != nil {
		return err
	}
	lr.LinkID = linkID

	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}
	lr.KeyValues = make([]KeyValue, n)
	for i := range lr.KeyValues {
		if err := cboring.Unmarshal(&lr.KeyValues[i], r); err != nil {
			return err
		}
	}

	return nil
}

// TransmitBundleReq asks the daemon to transmit a bundle on a link.
type TransmitBundleReq struct {
	BundleID uint64
	LinkID   string
}

func (tb *TransmitBundleReq) TypeCode() uint64 {
	return TypeTransmitBundleReq
}

func (tb *TransmitBundleReq) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(tb.BundleID, w); err != nil {
		return err
	}

	return cboring.WriteTextString(tb.LinkID, w)
}

func (tb *TransmitBundleReq) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 2 {
		return fmt.Errorf("TransmitBundleReq expected array of 2 elements, not %d", n)
	}

	if tb.BundleID, err = cboring.ReadUInt(r); err != nil {
		return
	}
	tb.LinkID, err = cboring.ReadTextString(r)
	return
}

// TakeCustodyReq asks the daemon to take custody of a bundle.
type TakeCustodyReq struct {
	bundleIDBody
}

func (tc *TakeCustodyReq) TypeCode() uint64 {
	return TypeTakeCustodyReq
}

// DeleteBundleReq asks the daemon to dispose of one or more bundles.
type DeleteBundleReq struct {
	BundleIDs []uint64
}

func (db *DeleteBundleReq) TypeCode() uint64 {
	return TypeDeleteBundleReq
}

func (db *DeleteBundleReq) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(uint64(len(db.BundleIDs)), w); err != nil {
		return err
	}
	for _, id := range db.BundleIDs {
		if err := cboring.WriteUInt(id, w); err != nil {
			return err
		}
	}

	return nil
}

func (db *DeleteBundleReq) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}

	db.BundleIDs = make([]uint64, n)
	for i := range db.BundleIDs {
		if db.BundleIDs[i], err = cboring.ReadUInt(r); err != nil {
			return err
		}
	}

	return nil
}

// DeleteAllBundlesReq asks the daemon to dispose of every stored bundle.
type DeleteAllBundlesReq struct {
	emptyBody
}

func (da *DeleteAllBundlesReq) TypeCode() uint64 {
	return TypeDeleteAllBundlesReq
}

// ShutdownReq asks the daemon to shut down.
type ShutdownReq struct {
	emptyBody
}

func (sr *ShutdownReq) TypeCode() uint64 {
	return TypeShutdownReq
}
