// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package raw

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/sviraaj/AliceO2/internal/crc16"
	"golang.org/x/xerrors"
)

// Decoder reads (and validates) pages from an underlying data source.
type Decoder struct {
	r   io.Reader
	hdr [HeaderSize]byte
	buf []byte
	err error

	max int // maximum accepted payload size
}

// NewDecoder creates a decoder that reads and validates pages from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		r:   r,
		max: MaxSuperPageSize,
	}
}

// Decode reads the next page from the stream.
// Decode returns io.EOF when the stream is exhausted at a page boundary.
func (dec *Decoder) Decode(p *Page) error {
	dec.read(dec.hdr[:1])
	if dec.err != nil {
		if errors.Is(dec.err, io.EOF) {
			return io.EOF
		}
		return xerrors.Errorf("raw: could not read page version: %w", dec.err)
	}

	dec.read(dec.hdr[1:])
	if dec.err != nil {
		if errors.Is(dec.err, io.EOF) {
			dec.err = io.ErrUnexpectedEOF
		}
		return xerrors.Errorf("raw: could not read page header: %w", dec.err)
	}

	hdr := dec.hdr[:]
	if hdr[0] != Version {
		return xerrors.Errorf("raw: invalid page version (got=%d, want=%d)", hdr[0], Version)
	}
	if hdr[1] != HeaderSize {
		return xerrors.Errorf("raw: invalid page header size (got=%d, want=%d)", hdr[1], HeaderSize)
	}

	p.Header = PageHeader{
		Version: hdr[0],
		Size:    hdr[1],
		Link: LinkKey{
			FEEID:      binary.BigEndian.Uint16(hdr[2:4]),
			CRUID:      binary.BigEndian.Uint16(hdr[4:6]),
			LinkID:     hdr[6],
			EndPointID: hdr[7],
		},
		PageCounter: binary.BigEndian.Uint32(hdr[8:12]),
		PayloadSize: binary.BigEndian.Uint32(hdr[12:16]),
		NRecords:    binary.BigEndian.Uint16(hdr[16:18]),
		Flags:       hdr[18],
		Timestamp:   binary.BigEndian.Uint64(hdr[20:28]),
		CRC:         binary.BigEndian.Uint16(hdr[28:30]),
	}

	size := int(p.Header.PayloadSize)
	if size > dec.max {
		return xerrors.Errorf(
			"raw: link %v page %d payload too big (size=%d, max=%d)",
			p.Header.Link, p.Header.PageCounter, size, dec.max,
		)
	}
	if cap(dec.buf) < size {
		dec.buf = make([]byte, size)
	}
	dec.buf = dec.buf[:size]
	dec.read(dec.buf)
	if dec.err != nil {
		if errors.Is(dec.err, io.EOF) {
			dec.err = io.ErrUnexpectedEOF
		}
		return xerrors.Errorf(
			"raw: link %v could not read page %d payload: %w",
			p.Header.Link, p.Header.PageCounter, dec.err,
		)
	}

	if crc := crc16.Checksum(dec.buf); crc != p.Header.CRC {
		return xerrors.Errorf(
			"raw: link %v page %d inconsistent CRC: recv=0x%04x comp=0x%04x",
			p.Header.Link, p.Header.PageCounter, p.Header.CRC, crc,
		)
	}

	p.Records = p.Records[:0]
	payload := dec.buf
	for i := 0; i < int(p.Header.NRecords); i++ {
		if len(payload) < RecordHeaderSize {
			return xerrors.Errorf(
				"raw: link %v page %d truncated record header %d",
				p.Header.Link, p.Header.PageCounter, i,
			)
		}
		var (
			n  = binary.BigEndian.Uint32(payload[0:4])
			ts = binary.BigEndian.Uint64(payload[4:12])
		)
		payload = payload[RecordHeaderSize:]
		if uint64(n) > uint64(len(payload)) {
			return xerrors.Errorf(
				"raw: link %v page %d truncated record %d (size=%d, left=%d)",
				p.Header.Link, p.Header.PageCounter, i, n, len(payload),
			)
		}
		data := make([]byte, n)
		copy(data, payload[:n])
		p.Records = append(p.Records, Record{Timestamp: ts, Data: data})
		payload = payload[n:]
	}
	if len(payload) != 0 {
		return xerrors.Errorf(
			"raw: link %v page %d has %d trailing bytes",
			p.Header.Link, p.Header.PageCounter, len(payload),
		)
	}

	return nil
}

func (dec *Decoder) read(p []byte) {
	if dec.err != nil {
		return
	}
	_, dec.err = io.ReadFull(dec.r, p)
}

// Collect decodes all the pages from r and returns the records of
// each link in arrival order.
// Records split over consecutive pages are re-assembled. Collect
// checks that the pages of each link are contiguous.
func Collect(r io.Reader) (map[LinkKey][]Record, error) {
	var (
		dec  = NewDecoder(r)
		recs = make(map[LinkKey][]Record)
		next = make(map[LinkKey]uint32) // next expected page counter
		cont = make(map[LinkKey]bool)   // whether the last record continues
		page Page
	)

	for {
		err := dec.Decode(&page)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}

		var (
			key = page.Header.Link
			cnt = page.Header.PageCounter
		)
		if want, ok := next[key]; ok && cnt != want {
			return nil, xerrors.Errorf(
				"raw: link %v out of order page (got=%d, want=%d)",
				key, cnt, want,
			)
		}
		next[key] = cnt + 1

		rs := page.Records
		isCont := page.Header.Flags&FlagContinued != 0
		if isCont != cont[key] {
			return nil, xerrors.Errorf(
				"raw: link %v page %d inconsistent continuation flag",
				key, cnt,
			)
		}
		if isCont {
			if len(rs) == 0 {
				return nil, xerrors.Errorf("raw: link %v page %d continued without record", key, cnt)
			}
			last := &recs[key][len(recs[key])-1]
			last.Data = append(last.Data, rs[0].Data...)
			rs = rs[1:]
		}
		recs[key] = append(recs[key], rs...)
		cont[key] = page.Header.Flags&FlagToBeContinued != 0
	}

	for key, v := range cont {
		if v {
			return nil, xerrors.Errorf("raw: link %v ends with an incomplete record", key)
		}
	}

	return recs, nil
}

// Split splits data into pages, without copying nor validating their
// payloads.
func Split(data []byte) ([][]byte, error) {
	var pages [][]byte
	for len(data) > 0 {
		if len(data) < HeaderSize {
			return pages, xerrors.Errorf(
				"raw: truncated page header at page %d (size=%d)",
				len(pages), len(data),
			)
		}
		if data[0] != Version || data[1] != HeaderSize {
			return pages, xerrors.Errorf(
				"raw: invalid page header at page %d (version=%d, size=%d)",
				len(pages), data[0], data[1],
			)
		}
		n := uint64(HeaderSize) + uint64(binary.BigEndian.Uint32(data[12:16]))
		if n > uint64(len(data)) {
			return pages, xerrors.Errorf(
				"raw: truncated page %d (size=%d, left=%d)",
				len(pages), n, len(data),
			)
		}
		pages = append(pages, data[:n:n])
		data = data[n:]
	}
	return pages, nil
}
