// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package detectors holds identifiers for the ALICE detectors.
package detectors // import "github.com/sviraaj/AliceO2/detectors"

import (
	"fmt"
	"strings"
)

// DetID identifies a detector.
type DetID uint8

const (
	ITS DetID = iota
	TPC
	TRD
	TOF
	PHS
	CPV
	EMC
	HMP
	MFT
	MCH
	MID
	ZDC
	FT0
	FV0
	FDD
	ACO

	First = ITS
	Last  = ACO
)

var names = [...]string{
	ITS: "ITS",
	TPC: "TPC",
	TRD: "TRD",
	TOF: "TOF",
	PHS: "PHS",
	CPV: "CPV",
	EMC: "EMC",
	HMP: "HMP",
	MFT: "MFT",
	MCH: "MCH",
	MID: "MID",
	ZDC: "ZDC",
	FT0: "FT0",
	FV0: "FV0",
	FDD: "FDD",
	ACO: "ACO",
}

func (id DetID) String() string {
	if id > Last {
		return fmt.Sprintf("DetID(%d)", uint8(id))
	}
	return names[id]
}

// Mask returns the detector mask with only id set.
func (id DetID) Mask() Mask {
	return Mask(1) << id
}

// ParseDetID returns the detector identifier named name.
// The lookup is case insensitive.
func ParseDetID(name string) (DetID, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, v := range names {
		if v == name {
			return DetID(i), nil
		}
	}
	return 0, fmt.Errorf("detectors: unknown detector %q", name)
}

// Mask is a set of detectors.
type Mask uint32

// Has returns whether id is part of the mask.
func (m Mask) Has(id DetID) bool {
	if id > Last {
		return false
	}
	return m&id.Mask() != 0
}

func (m Mask) String() string {
	var o []string
	for id := First; id <= Last; id++ {
		if m.Has(id) {
			o = append(o, id.String())
		}
	}
	return strings.Join(o, ",")
}

// ParseMask parses a comma separated list of detector names.
// The special value "all" selects every detector.
func ParseMask(s string) (Mask, error) {
	var m Mask
	s = strings.TrimSpace(s)
	if s == "" {
		return m, nil
	}
	if strings.EqualFold(s, "all") {
		for id := First; id <= Last; id++ {
			m |= id.Mask()
		}
		return m, nil
	}
	for _, name := range strings.Split(s, ",") {
		id, err := ParseDetID(name)
		if err != nil {
			return 0, err
		}
		m |= id.Mask()
	}
	return m, nil
}
