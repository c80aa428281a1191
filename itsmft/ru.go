// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package itsmft

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/sviraaj/AliceO2/raw"
)

var (
	// ErrNotFound is returned when looking up a RU container that was
	// never created.
	ErrNotFound = errors.New("itsmft: RU not found")

	// ErrRUFiltered is returned when creating a RU container outside the
	// accepted RU range.
	ErrRUFiltered = errors.New("itsmft: RU outside accepted range")

	// ErrRURange is returned for RU indices outside the mapping.
	ErrRURange = errors.New("itsmft: RU index out of range")
)

// GBTLink is a link carrying the data of a subset of the lanes of a
// readout unit to a CRU.
type GBTLink struct {
	Lanes      uint32 // bit pattern of the RU lanes read through this link
	IDInCRU    uint8  // link index in its CRU
	CRUID      uint16
	FEEID      uint16
	EndPointID uint8
}

// Key returns the destination key of the link.
func (lnk *GBTLink) Key() raw.LinkKey {
	return raw.LinkKey{
		FEEID:      lnk.FEEID,
		CRUID:      lnk.CRUID,
		LinkID:     lnk.IDInCRU,
		EndPointID: lnk.EndPointID,
	}
}

// NLanes returns the number of lanes served by the link.
func (lnk *GBTLink) NLanes() int {
	return bits.OnesCount32(lnk.Lanes)
}

// Describe returns a human readable description of the link.
func (lnk *GBTLink) Describe() string {
	return fmt.Sprintf(
		"link: FEE=0x%04x CRU=%d link=%d ep=%d lanes=0x%07x (%d)",
		lnk.FEEID, lnk.CRUID, lnk.IDInCRU, lnk.EndPointID, lnk.Lanes, lnk.NLanes(),
	)
}

// RUDecode is the container of a readout unit: its description and the
// links it owns.
type RUDecode struct {
	ID    int
	Info  RUInfo
	Links [MaxLinksPerRU]*GBTLink

	ok bool // whether the container was created
}

// NLinks returns the number of links of the RU.
func (rud *RUDecode) NLinks() int {
	n := 0
	for _, lnk := range rud.Links {
		if lnk != nil {
			n++
		}
	}
	return n
}

// Registry holds the RU containers of a detector, indexed by RU
// software id.
type Registry struct {
	m   *Mapping
	min int
	max int
	rus []RUDecode
}

// NewRegistry creates a registry for the RUs of the mapping m.
// Only RUs in [min, max] may be created.
func NewRegistry(m *Mapping, min, max int) *Registry {
	return &Registry{
		m:   m,
		min: min,
		max: max,
		rus: make([]RUDecode, m.NRUs()),
	}
}

// Accepts returns whether the RU ru is in the accepted range.
func (reg *Registry) Accepts(ru int) bool {
	return reg.min <= ru && ru <= reg.max && ru < len(reg.rus)
}

// GetCreateRUDecode returns the container of the RU ru, creating it if
// needed.
func (reg *Registry) GetCreateRUDecode(ru int) (*RUDecode, error) {
	if ru < 0 || ru >= len(reg.rus) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrRURange, ru, len(reg.rus))
	}
	if !reg.Accepts(ru) {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrRUFiltered, ru, reg.min, reg.max)
	}
	rud := &reg.rus[ru]
	if !rud.ok {
		rud.ID = ru
		rud.Info = reg.m.RUInfo(ru)
		rud.ok = true
	}
	return rud, nil
}

// GetRUDecode returns the container of the RU ru.
func (reg *Registry) GetRUDecode(ru int) (*RUDecode, error) {
	if ru < 0 || ru >= len(reg.rus) || !reg.rus[ru].ok {
		return nil, fmt.Errorf("%w: RU %d", ErrNotFound, ru)
	}
	return &reg.rus[ru], nil
}

// Created returns the software ids of the created RU containers, in
// increasing order.
func (reg *Registry) Created() []int {
	var ids []int
	for i := range reg.rus {
		if reg.rus[i].ok {
			ids = append(ids, i)
		}
	}
	return ids
}
