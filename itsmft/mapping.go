// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package itsmft holds the ITS/MFT readout topology and the encoder
// converting simulated digits into CRU raw data.
package itsmft // import "github.com/sviraaj/AliceO2/itsmft"

import (
	"fmt"

	"github.com/sviraaj/AliceO2/detectors"
)

// RUType is the class of a readout unit.
type RUType uint8

const (
	IB RUType = iota // inner barrel
	MB               // middle barrel
	OB               // outer barrel

	NRUTypes = 3
)

func (t RUType) String() string {
	switch t {
	case IB:
		return "IB"
	case MB:
		return "MB"
	case OB:
		return "OB"
	}
	return fmt.Sprintf("RUType(%d)", uint8(t))
}

// MaxChipsPerRU is the maximum number of chips a readout unit can serve.
// Chip indices within a RU and per-link chip counts are sent as bytes.
const MaxChipsPerRU = 255

// RUTypeInfo describes the cabling of a class of readout units.
type RUTypeInfo struct {
	Cables        int // number of lanes (cables) served by one RU
	ChipsPerCable int
}

// Layer describes one detector layer.
type Layer struct {
	Staves int
	Type   RUType
}

// RUInfo describes a single readout unit.
type RUInfo struct {
	ID        int // software (sequential) RU index
	Layer     int
	Stave     int // stave index within the layer
	Type      RUType
	FirstChip int // global index of the first chip on the RU
	NChips    int
}

// Mapping describes the static readout topology of a detector:
// layers, staves and the readout units serving them.
//
// A Mapping is immutable once created and safe for concurrent use.
type Mapping struct {
	name  string
	det   detectors.DetID
	lrs   []Layer
	types [NRUTypes]RUTypeInfo

	rus    []RUInfo
	first  []int // first RU on each layer
	nchips int
}

// NewMapping creates a new mapping for the provided layers and RU classes.
func NewMapping(name string, det detectors.DetID, layers []Layer, types [NRUTypes]RUTypeInfo) (*Mapping, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("itsmft: mapping %q has no layer", name)
	}
	for i, t := range types {
		if t.Cables <= 0 || t.Cables > 32 {
			return nil, fmt.Errorf("itsmft: invalid number of cables for %v: %d", RUType(i), t.Cables)
		}
		if t.ChipsPerCable <= 0 {
			return nil, fmt.Errorf("itsmft: invalid number of chips per cable for %v: %d", RUType(i), t.ChipsPerCable)
		}
		if n := t.Cables * t.ChipsPerCable; n > MaxChipsPerRU {
			return nil, fmt.Errorf("itsmft: too many chips on %v (got=%d, max=%d)", RUType(i), n, MaxChipsPerRU)
		}
	}

	m := &Mapping{
		name:  name,
		det:   det,
		lrs:   append([]Layer(nil), layers...),
		types: types,
		first: make([]int, len(layers)),
	}
	for ilr, lr := range layers {
		if lr.Staves <= 0 {
			return nil, fmt.Errorf("itsmft: layer %d has no stave", ilr)
		}
		if lr.Type >= NRUTypes {
			return nil, fmt.Errorf("itsmft: layer %d has an invalid RU type %d", ilr, lr.Type)
		}
		m.first[ilr] = len(m.rus)
		n := types[lr.Type].Cables * types[lr.Type].ChipsPerCable
		for is := 0; is < lr.Staves; is++ {
			m.rus = append(m.rus, RUInfo{
				ID:        len(m.rus),
				Layer:     ilr,
				Stave:     is,
				Type:      lr.Type,
				FirstChip: m.nchips,
				NChips:    n,
			})
			m.nchips += n
		}
	}
	return m, nil
}

// NewMappingITS returns the mapping of the ITS upgrade:
// 3 inner barrel, 2 middle barrel and 2 outer barrel layers.
func NewMappingITS() *Mapping {
	m, err := NewMapping("ITS", detectors.ITS,
		[]Layer{
			{Staves: 12, Type: IB},
			{Staves: 16, Type: IB},
			{Staves: 20, Type: IB},
			{Staves: 24, Type: MB},
			{Staves: 30, Type: MB},
			{Staves: 42, Type: OB},
			{Staves: 48, Type: OB},
		},
		[NRUTypes]RUTypeInfo{
			IB: {Cables: 9, ChipsPerCable: 1},
			MB: {Cables: 16, ChipsPerCable: 7},
			OB: {Cables: 28, ChipsPerCable: 7},
		},
	)
	if err != nil {
		panic(err)
	}
	return m
}

// Name returns the name of the detector described by this mapping.
func (m *Mapping) Name() string { return m.name }

// DetID returns the identifier of the detector described by this mapping.
func (m *Mapping) DetID() detectors.DetID { return m.det }

// NLayers returns the number of layers.
func (m *Mapping) NLayers() int { return len(m.lrs) }

// NRUs returns the total number of readout units.
func (m *Mapping) NRUs() int { return len(m.rus) }

// NChips returns the total number of chips.
func (m *Mapping) NChips() int { return m.nchips }

// NStavesOnLr returns the number of staves on layer lr.
func (m *Mapping) NStavesOnLr(lr int) int {
	m.checkLayer(lr)
	return m.lrs[lr].Staves
}

// FirstRUOnLr returns the software index of the first RU on layer lr.
func (m *Mapping) FirstRUOnLr(lr int) int {
	m.checkLayer(lr)
	return m.first[lr]
}

// RUType returns the class of the readout unit ru.
func (m *Mapping) RUType(ru int) RUType {
	m.checkRU(ru)
	return m.rus[ru].Type
}

// RUInfo returns the description of the readout unit ru.
func (m *Mapping) RUInfo(ru int) RUInfo {
	m.checkRU(ru)
	return m.rus[ru]
}

// TypeInfo returns the cabling of the RU class t.
func (m *Mapping) TypeInfo(t RUType) RUTypeInfo {
	m.checkType(t)
	return m.types[t]
}

// CablesOnRUType returns the bit pattern of the lanes served by
// a readout unit of class t.
func (m *Mapping) CablesOnRUType(t RUType) uint32 {
	m.checkType(t)
	n := m.types[t].Cables
	if n == 32 {
		return ^uint32(0)
	}
	return uint32(1)<<n - 1
}

// RUSW2FEEId returns the front-end electronics identifier of the
// link slot of the readout unit ru.
//
// The FEE id packs the layer (bits 12-14), the link slot (bits 8-9)
// and the stave within the layer (bits 0-5).
func (m *Mapping) RUSW2FEEId(ru, link int) uint16 {
	m.checkRU(ru)
	if link < 0 || link >= MaxLinksPerRU {
		panic(fmt.Errorf("itsmft: link slot %d out of range [0, %d)", link, MaxLinksPerRU))
	}
	info := m.rus[ru]
	return uint16((info.Layer&0x7)<<12 | (link&0x3)<<8 | (info.Stave & 0x3f))
}

// FEEId2RUSW returns the RU software index and link slot encoded in fee.
func (m *Mapping) FEEId2RUSW(fee uint16) (ru, link int, err error) {
	var (
		lr    = int(fee>>12) & 0x7
		stave = int(fee) & 0x3f
	)
	link = int(fee>>8) & 0x3
	if lr >= len(m.lrs) || stave >= m.lrs[lr].Staves || link >= MaxLinksPerRU {
		return -1, -1, fmt.Errorf("itsmft: invalid FEE id 0x%04x", fee)
	}
	return m.first[lr] + stave, link, nil
}

// ChipOnRU locates the global chip index chip: it returns the readout
// unit serving it, the lane (cable) of the RU it is read through and
// its index within the RU.
func (m *Mapping) ChipOnRU(chip int) (ru, lane, inRU int, err error) {
	if chip < 0 || chip >= m.nchips {
		return -1, -1, -1, fmt.Errorf("itsmft: chip %d out of range [0, %d)", chip, m.nchips)
	}
	// binary search for the last RU with FirstChip <= chip.
	lo, hi := 0, len(m.rus)
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if m.rus[mid].FirstChip <= chip {
			lo = mid
		} else {
			hi = mid
		}
	}
	info := m.rus[lo]
	inRU = chip - info.FirstChip
	lane = inRU / m.types[info.Type].ChipsPerCable
	return lo, lane, inRU, nil
}

func (m *Mapping) checkLayer(lr int) {
	if lr < 0 || lr >= len(m.lrs) {
		panic(fmt.Errorf("itsmft: layer %d out of range [0, %d)", lr, len(m.lrs)))
	}
}

func (m *Mapping) checkRU(ru int) {
	if ru < 0 || ru >= len(m.rus) {
		panic(fmt.Errorf("itsmft: RU %d out of range [0, %d)", ru, len(m.rus)))
	}
}

func (m *Mapping) checkType(t RUType) {
	if t >= NRUTypes {
		panic(fmt.Errorf("itsmft: invalid RU type %d", t))
	}
}
