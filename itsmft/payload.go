// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package itsmft

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"golang.org/x/xerrors"
)

// Markers of the link payload.
const (
	gbtHeader   = 0xe0
	gbtTrailer  = 0xf0
	chipHeader  = 0xa0
	chipTrailer = 0xb0

	flagContinuous = 1 << 0
)

// LHCMaxBunches is the number of bunch crossings in an LHC orbit.
const LHCMaxBunches = 3564

// Pixel is a fired pixel of a chip.
type Pixel struct {
	Row uint16
	Col uint16
}

func (pix Pixel) addr() uint32 { return uint32(pix.Row)*NCols + uint32(pix.Col) }

// ChipData holds the pixels of a chip sent over a link.
type ChipData struct {
	InRU   uint8  // chip index in its RU
	Lane   uint8  // lane of the RU the chip is read through
	BC     uint16 // bunch crossing within the orbit
	Pixels []Pixel
}

// Packet is the payload of a link for one read-out frame.
type Packet struct {
	FEEID      uint16
	Lanes      uint32
	Continuous bool
	Chips      []ChipData
}

// hit is a fired pixel located on its RU.
type hit struct {
	inRU uint8
	lane uint8
	addr uint32
}

// appendPacket serializes the hits of a RU lying on the lanes of lnk.
// hits must be sorted by chip and address.
func appendPacket(buf []byte, lnk *GBTLink, hits []hit, bc uint16, continuous bool) []byte {
	var nchips int
	for i := range hits {
		h := hits[i]
		if lnk.Lanes&(1<<h.lane) == 0 {
			continue
		}
		if i == 0 || hits[i-1].inRU != h.inRU {
			nchips++
		}
	}

	buf = append(buf, gbtHeader)
	buf = binary.BigEndian.AppendUint16(buf, lnk.FEEID)
	buf = binary.BigEndian.AppendUint32(buf, lnk.Lanes)
	buf = append(buf, uint8(nchips))

	for beg := 0; beg < len(hits); {
		end := beg + 1
		for end < len(hits) && hits[end].inRU == hits[beg].inRU {
			end++
		}
		chip := hits[beg:end]
		beg = end
		if lnk.Lanes&(1<<chip[0].lane) == 0 {
			continue
		}

		buf = append(buf, chipHeader, chip[0].inRU, chip[0].lane)
		buf = binary.BigEndian.AppendUint16(buf, bc)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(chip)))
		prev := uint32(0)
		for _, h := range chip {
			buf = binary.AppendUvarint(buf, uint64(h.addr-prev))
			prev = h.addr
		}
		buf = append(buf, chipTrailer)
	}

	var flags uint8
	if continuous {
		flags |= flagContinuous
	}
	return append(buf, gbtTrailer, flags)
}

// sortHits sorts hits by chip and address and removes duplicate pixels.
func sortHits(hits []hit) []hit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].inRU != hits[j].inRU {
			return hits[i].inRU < hits[j].inRU
		}
		return hits[i].addr < hits[j].addr
	})
	out := hits[:0]
	for i, h := range hits {
		if i > 0 && h == hits[i-1] {
			continue
		}
		out = append(out, h)
	}
	return out
}

// DecodePacket decodes the payload of a link.
func DecodePacket(p []byte) (Packet, error) {
	dec := pktDecoder{buf: p}
	return dec.decode()
}

type pktDecoder struct {
	buf []byte
	err error
}

func (dec *pktDecoder) decode() (Packet, error) {
	var pkt Packet
	if v := dec.u8(); dec.err == nil && v != gbtHeader {
		return pkt, xerrors.Errorf("itsmft: invalid GBT header marker 0x%02x", v)
	}
	pkt.FEEID = dec.u16()
	pkt.Lanes = dec.u32()
	nchips := int(dec.u8())
	if dec.err != nil {
		return pkt, xerrors.Errorf("itsmft: could not decode GBT header: %w", dec.err)
	}

	if nchips > 0 {
		pkt.Chips = make([]ChipData, 0, nchips)
	}
	for i := 0; i < nchips; i++ {
		if v := dec.u8(); dec.err == nil && v != chipHeader {
			return pkt, xerrors.Errorf("itsmft: invalid chip header marker 0x%02x (chip %d)", v, i)
		}
		chip := ChipData{
			InRU: dec.u8(),
			Lane: dec.u8(),
			BC:   dec.u16(),
		}
		n := dec.u32()
		if dec.err != nil {
			return pkt, xerrors.Errorf("itsmft: could not decode chip %d header: %w", i, dec.err)
		}
		if uint64(n) > uint64(len(dec.buf)) {
			return pkt, xerrors.Errorf("itsmft: invalid number of pixels %d for chip %d", n, i)
		}
		chip.Pixels = make([]Pixel, n)
		addr := uint64(0)
		for j := range chip.Pixels {
			addr += dec.uvarint()
			if dec.err != nil {
				return pkt, xerrors.Errorf("itsmft: could not decode pixel %d of chip %d: %w", j, i, dec.err)
			}
			if addr >= NRows*NCols {
				return pkt, xerrors.Errorf("itsmft: invalid pixel address %d (chip %d)", addr, i)
			}
			chip.Pixels[j] = Pixel{Row: uint16(addr / NCols), Col: uint16(addr % NCols)}
		}
		if v := dec.u8(); dec.err == nil && v != chipTrailer {
			return pkt, xerrors.Errorf("itsmft: invalid chip trailer marker 0x%02x (chip %d)", v, i)
		}
		pkt.Chips = append(pkt.Chips, chip)
	}

	if v := dec.u8(); dec.err == nil && v != gbtTrailer {
		return pkt, xerrors.Errorf("itsmft: invalid GBT trailer marker 0x%02x", v)
	}
	flags := dec.u8()
	if dec.err != nil {
		return pkt, xerrors.Errorf("itsmft: could not decode GBT trailer: %w", dec.err)
	}
	pkt.Continuous = flags&flagContinuous != 0
	if len(dec.buf) != 0 {
		return pkt, xerrors.Errorf("itsmft: %d trailing bytes after GBT trailer", len(dec.buf))
	}
	return pkt, nil
}

func (dec *pktDecoder) next(n int) []byte {
	if dec.err != nil {
		return nil
	}
	if len(dec.buf) < n {
		dec.err = io.ErrUnexpectedEOF
		return nil
	}
	p := dec.buf[:n]
	dec.buf = dec.buf[n:]
	return p
}

func (dec *pktDecoder) u8() uint8 {
	p := dec.next(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (dec *pktDecoder) u16() uint16 {
	p := dec.next(2)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint16(p)
}

func (dec *pktDecoder) u32() uint32 {
	p := dec.next(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (dec *pktDecoder) uvarint() uint64 {
	if dec.err != nil {
		return 0
	}
	v, n := binary.Uvarint(dec.buf)
	if n <= 0 {
		dec.err = fmt.Errorf("invalid uvarint")
		return 0
	}
	dec.buf = dec.buf[n:]
	return v
}
