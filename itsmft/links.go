// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package itsmft

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

// MaxLinksPerRU is the maximum number of GBT links serving a readout unit.
const MaxLinksPerRU = 3

// LinkAssignment holds, for each RU class, the number of lanes read out
// through each link slot of a readout unit.
// A zero count disables the slot.
type LinkAssignment [NRUTypes][MaxLinksPerRU]int

var (
	// DefaultLinkAssignment reads every RU through 3 links.
	DefaultLinkAssignment = LinkAssignment{
		IB: {3, 3, 3},
		MB: {5, 5, 6},
		OB: {9, 9, 10},
	}

	// SingleLinkAssignment reads every RU through a single link.
	SingleLinkAssignment = LinkAssignment{
		IB: {9, 0, 0},
		MB: {16, 0, 0},
		OB: {28, 0, 0},
	}
)

// ParseLinkAssignment parses a link assignment of the form
// "IB0,IB1,IB2:MB0,MB1,MB2:OB0,OB1,OB2".
// Trailing slots of a class may be omitted and default to zero.
func ParseLinkAssignment(s string) (LinkAssignment, error) {
	var la LinkAssignment
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "default", "":
		return DefaultLinkAssignment, nil
	case "single":
		return SingleLinkAssignment, nil
	}

	toks := strings.Split(s, ":")
	if len(toks) != NRUTypes {
		return la, fmt.Errorf("itsmft: invalid link assignment %q: want %d classes, got %d", s, NRUTypes, len(toks))
	}
	for i, tok := range toks {
		vs := strings.Split(tok, ",")
		if len(vs) > MaxLinksPerRU {
			return la, fmt.Errorf(
				"itsmft: invalid link assignment %q: too many links for %v (got=%d, max=%d)",
				s, RUType(i), len(vs), MaxLinksPerRU,
			)
		}
		for j, v := range vs {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return la, fmt.Errorf("itsmft: invalid link assignment %q for %v: %w", s, RUType(i), err)
			}
			la[i][j] = n
		}
	}
	return la, nil
}

func (la LinkAssignment) String() string {
	o := new(strings.Builder)
	for i, cls := range la {
		if i > 0 {
			o.WriteString(":")
		}
		for j, n := range cls {
			if j > 0 {
				o.WriteString(",")
			}
			o.WriteString(strconv.Itoa(n))
		}
	}
	return o.String()
}

// Validate checks the assignment against the cabling of the mapping:
// lane counts must be positive or zero and the lanes requested by the
// slots of a class can not exceed the lanes of that class.
func (la LinkAssignment) Validate(m *Mapping) error {
	for i, cls := range la {
		var (
			typ = RUType(i)
			sum = 0
		)
		for j, n := range cls {
			if n < 0 {
				return fmt.Errorf("itsmft: invalid lane count %d for %v link %d", n, typ, j)
			}
			sum += n
		}
		if max := m.TypeInfo(typ).Cables; sum > max {
			return fmt.Errorf(
				"itsmft: %v links request %d lanes (max=%d)",
				typ, sum, max,
			)
		}
	}
	return nil
}

// LinkLayout describes how links are laid out on CRUs and output files.
type LinkLayout struct {
	MaxLinksPerCRU int    // maximum number of links served by a CRU
	FirstCRU       int    // identifier of the first CRU
	FilePerCRU     bool   // one output file per CRU, otherwise one per layer
	OutDir         string // output directory
	Prefix         string // output file name prefix, defaults to the detector name
}

// DefaultMaxLinksPerCRU is the default number of links served by a CRU.
const DefaultMaxLinksPerCRU = 16

// LinkSummary summarizes a links setup.
type LinkSummary struct {
	NLinks int // number of created links
	NRUs   int // number of created RU containers
	NCRUs  int // number of used CRUs
}

func (sum LinkSummary) String() string {
	return fmt.Sprintf("distributed %d links on %d RUs in %d CRUs", sum.NLinks, sum.NRUs, sum.NCRUs)
}

// SetupLinks creates the RU containers and GBT links of the encoder and
// registers the destination of every link with the encoder's writer.
//
// Layers are scanned in order, then staves, then link slots. Each enabled
// slot takes the next link index of the current CRU and the next lanes of
// its RU. A CRU rolls over once it serves MaxLinksPerCRU links (slots of
// RUs outside the encoder's RU range included) and at the end of every
// layer, so that layers never share a CRU.
func SetupLinks(enc *Encoder, la LinkAssignment, layout LinkLayout) (LinkSummary, error) {
	var sum LinkSummary
	if enc.state != Idle {
		return sum, fmt.Errorf("itsmft: links setup in state %v", enc.state)
	}

	m := enc.m
	err := la.Validate(m)
	if err != nil {
		return sum, err
	}
	if layout.MaxLinksPerCRU <= 0 || layout.MaxLinksPerCRU > math.MaxUint8+1 {
		return sum, fmt.Errorf("itsmft: invalid number of links per CRU %d", layout.MaxLinksPerCRU)
	}
	if layout.FirstCRU < 0 || layout.FirstCRU > math.MaxUint16 {
		return sum, fmt.Errorf("itsmft: invalid first CRU id %d", layout.FirstCRU)
	}
	if layout.Prefix == "" {
		layout.Prefix = m.Name()
	}

	var (
		lnkID   = 0 // link index in the current CRU
		cruID   = layout.FirstCRU
		cruPrev = -1
	)

	for ilr := 0; ilr < m.NLayers(); ilr++ {
		var (
			first = m.FirstRUOnLr(ilr)
			typ   = m.RUType(first)
			lanes = m.CablesOnRUType(typ)
			cls   = la[typ]
		)
		for is := 0; is < m.NStavesOnLr(ilr); is++ {
			ru := first + is
			var rud *RUDecode
			if enc.reg.Accepts(ru) {
				rud, err = enc.reg.GetCreateRUDecode(ru)
				if err != nil {
					return sum, err
				}
				sum.NRUs++
			}

			used := 0 // lanes consumed by previous slots
			for il, n := range cls {
				if n == 0 {
					continue
				}
				if rud != nil {
					if cruID > math.MaxUint16 {
						return sum, fmt.Errorf("itsmft: CRU id overflow (%d)", cruID)
					}
					lnk := &GBTLink{
						Lanes:      lanes & ((uint32(1)<<n - 1) << used),
						IDInCRU:    uint8(lnkID),
						CRUID:      uint16(cruID),
						FEEID:      m.RUSW2FEEId(ru, il),
						EndPointID: 0,
					}
					rud.Links[il] = lnk
					if cruID != cruPrev {
						cruPrev = cruID
						sum.NCRUs++
					}

					var fname string
					switch {
					case layout.FilePerCRU:
						fname = fmt.Sprintf("%s_cru%d.raw", layout.Prefix, sum.NCRUs-1)
					default:
						fname = fmt.Sprintf("%s_lr%d.raw", layout.Prefix, ilr)
					}
					fname = filepath.Join(layout.OutDir, fname)

					err = enc.w.RegisterLink(lnk.FEEID, lnk.CRUID, lnk.IDInCRU, lnk.EndPointID, fname)
					if err != nil {
						return sum, fmt.Errorf("itsmft: could not register link %d of RU %d: %w", il, ru, err)
					}
					sum.NLinks++

					if enc.verbose > 0 {
						enc.msg.Printf("RU%d (%d on lr %d) %s -> %s", ru, is, ilr, lnk.Describe(), fname)
					}
				}
				used += n

				lnkID++
				if lnkID >= layout.MaxLinksPerCRU {
					lnkID = 0
					cruID++
				}
			}
		}
		if lnkID != 0 {
			lnkID = 0
			cruID++
		}
	}

	enc.state = Configured
	enc.msg.Printf("%v", sum)
	return sum, nil
}
