// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgs

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// Hello is the daemon's periodic heartbeat. Two consecutive identical Hellos
// signal a quiescent daemon and arm the resync comparison.
type Hello struct {
	BundlesReceived uint64
	BundlesPending  uint64
}

func (h *Hello) TypeCode() uint64 {
	return TypeHello
}

func (h *Hello) String() string {
	return fmt.Sprintf("hello(%d,%d)", h.BundlesReceived, h.BundlesPending)
}

func (h *Hello) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(h.BundlesReceived, w); err != nil {
		return err
	}

	return cboring.WriteUInt(h.BundlesPending, w)
}

func (h *Hello) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 2 {
		return fmt.Errorf("Hello expected array of 2 elements, not %d", n)
	}

	if h.BundlesReceived, err = cboring.ReadUInt(r); err != nil {
		return
	}
	h.BundlesPending, err = cboring.ReadUInt(r)
	return
}

// Alert carries an out-of-band daemon condition, e.g. "shuttingDown" or
// "justBooted".
type Alert struct {
	Text string
}

func (a *Alert) TypeCode() uint64 {
	return TypeAlert
}

func (a *Alert) String() string {
	return fmt.Sprintf("alert(%s)", a.Text)
}

func (a *Alert) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(1, w); err != nil {
		return err
	}

	return cboring.WriteTextString(a.Text, w)
}

func (a *Alert) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 1 {
		return fmt.Errorf("Alert expected array of 1 element, not %d", n)
	}

	a.Text, err = cboring.ReadTextString(r)
	return
}
