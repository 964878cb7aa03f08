// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package msgs

import (
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// LinkReport lists every link the daemon currently knows.
type LinkReport struct {
	Links []LinkEntry
}

func (lr *LinkReport) TypeCode() uint64 {
	return TypeLinkReport
}

func (lr *LinkReport) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(uint64(len(lr.Links)), w); err != nil {
		return err
	}

	for i := range lr.Links {
		if err := cboring.Marshal(&lr.Links[i], w); err != nil {
			return err
		}
	}

	return nil
}

func (lr *LinkReport) UnmarshalCbor(r io.Reader) error {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return err
	}

	lr.Links = make([]LinkEntry, n)
	for i := range lr.Links {
		if err := cboring.Unmarshal(&lr.Links[i], r); err != nil {
			return err
		}
	}

	return nil
}

// linkIDBody is the shared single-element body of the link-id-only messages.
type linkIDBody struct {
	LinkID string
}

func (lb *linkIDBody) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(1, w); err != nil {
		return err
	}

	return cboring.WriteTextString(lb.LinkID, w)
}

func (lb *linkIDBody) UnmarshalCbor(r io.Reader) (err error) {
	if n, arrErr := cboring.ReadArrayLength(r); arrErr != nil {
		return arrErr
	} else if n != 1 {
		return fmt.Errorf("link message expected array of 1 element, not %d", n)
	}

	lb.LinkID, err = cboring.ReadTextString(r)
	return
}

// LinkAvailable announces a link that may be opened.
type LinkAvailable struct {
	linkIDBody
}

func (la *LinkAvailable) TypeCode() uint64 {
	return TypeLinkAvailable
}

// LinkOpened announces an open link, carrying its full description.
type LinkOpened struct {
	Link LinkEntry
}

func (lo *LinkOpened) TypeCode() uint64 {
	return TypeLinkOpened
}

func (lo *LinkOpened) MarshalCbor(w io.Writer) error {
	return cboring.Marshal(&lo.Link, w)
}

func (lo *LinkOpened) UnmarshalCbor(r io.Reader) error {
	return cboring.Unmarshal(&lo.Link, r)
}

// LinkClosed announces a closed link.
type LinkClosed struct {
	linkIDBody
}

func (lc *LinkClosed) TypeCode() uint64 {
	return TypeLinkClosed
}

// LinkUnavailable announces a link that can no longer be opened.
type LinkUnavailable struct {
	linkIDBody
}

func (lu *LinkUnavailable) TypeCode() uint64 {
	return TypeLinkUnavailable
}
