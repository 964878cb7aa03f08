// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgs

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// CustodyTimeout reports an expired custody retransmission timer; the bundle
// is re-routed.
type CustodyTimeout struct {
	bundleIDBody
}

func (ct *CustodyTimeout) TypeCode() uint64 {
	return TypeCustodyTimeout
}

// CustodyAccepted confirms a take-custody request, assigning the custody id.
type CustodyAccepted struct {
	BundleID  uint64
	CustodyID uint64
}

func (ca *CustodyAccepted) TypeCode() uint64 {
	return TypeCustodyAccepted
}

func (ca *CustodyAccepted) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(ca.BundleID, w); err != nil {
		return err
	}

	return cboring.WriteUInt(ca.CustodyID, w)
}

func (ca *CustodyAccepted) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 2 {
		return fmt.Errorf("CustodyAccepted expected array of 2 elements, not %d", n)
	}

	if ca.BundleID, err = cboring.ReadUInt(r); err != nil {
		return
	}
	ca.CustodyID, err = cboring.ReadUInt(r)
	return
}

// CustodySignal is the downstream node's custody verdict. Custody is released
// on success and on the redundant-reception failure; any other failure keeps
// custody here.
type CustodySignal struct {
	BundleID uint64
	Success  bool
	Reason   uint64
}

func (cs *CustodySignal) TypeCode() uint64 {
	return TypeCustodySignal
}

func (cs *CustodySignal) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(cs.BundleID, w); err != nil {
		return err
	}
	if err := cboring.WriteBoolean(cs.Success, w); err != nil {
		return err
	}

	return cboring.WriteUInt(cs.Reason, w)
}

func (cs *CustodySignal) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 3 {
		return fmt.Errorf("CustodySignal expected array of 3 elements, not %d", n)
	}

	if cs.BundleID, err = cboring.ReadUInt(r); err != nil {
		return
	}
	if cs.Success, err = cboring.ReadBoolean(r); err != nil {
		return
	}
	cs.Reason, err = cboring.ReadUInt(r)
	return
}
