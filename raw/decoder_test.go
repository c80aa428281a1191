// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package raw

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func genPages(t *testing.T, size int, recs map[LinkKey][][]byte) []byte {
	t.Helper()
	ms := newMemSinks()
	w := newTestWriter(t, ms, WithSuperPageSize(size))
	for key := range recs {
		err := w.RegisterLink(key.FEEID, key.CRUID, key.LinkID, key.EndPointID, "out.raw")
		if err != nil {
			t.Fatalf("could not register link: %+v", err)
		}
	}
	for key, vs := range recs {
		for i, v := range vs {
			err := w.WriteToLink(key, uint64(i), v)
			if err != nil {
				t.Fatalf("could not write: %+v", err)
			}
		}
	}
	err := w.Finalize()
	if err != nil {
		t.Fatalf("could not finalize: %+v", err)
	}
	return ms.bufs["out.raw"].Bytes()
}

func TestDecoderEmpty(t *testing.T) {
	var p Page
	err := NewDecoder(new(bytes.Reader)).Decode(&p)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, io.EOF)
	}

	recs, err := Collect(new(bytes.Reader))
	if err != nil {
		t.Fatalf("could not collect empty stream: %+v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("invalid records: %v", recs)
	}
}

func TestDecoderHeader(t *testing.T) {
	key := LinkKey{FEEID: 0x1203, CRUID: 2, LinkID: 5, EndPointID: 1}
	raw := genPages(t, MinSuperPageSize, map[LinkKey][][]byte{
		key: {[]byte("hello"), []byte("world")},
	})

	var p Page
	dec := NewDecoder(bytes.NewReader(raw))
	err := dec.Decode(&p)
	if err != nil {
		t.Fatalf("could not decode page: %+v", err)
	}

	want := PageHeader{
		Version:     Version,
		Size:        HeaderSize,
		Link:        key,
		PageCounter: 0,
		PayloadSize: 2*RecordHeaderSize + 10,
		NRecords:    2,
		Flags:       0,
		Timestamp:   0,
		CRC:         p.Header.CRC,
	}
	if got := p.Header; got != want {
		t.Fatalf("invalid header:\ngot= %+v\nwant=%+v", got, want)
	}
	if got, want := string(p.Records[1].Data), "world"; got != want {
		t.Fatalf("invalid record: got=%q, want=%q", got, want)
	}
	if got, want := p.Records[1].Timestamp, uint64(1); got != want {
		t.Fatalf("invalid record timestamp: got=%d, want=%d", got, want)
	}

	err = dec.Decode(&p)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("invalid error: got=%+v, want=%+v", err, io.EOF)
	}
}

func TestDecoderErrors(t *testing.T) {
	key := LinkKey{FEEID: 1}
	ref := genPages(t, MinSuperPageSize, map[LinkKey][][]byte{
		key: {bytes.Repeat([]byte{0xaa}, 100), bytes.Repeat([]byte{0xbb}, 100), bytes.Repeat([]byte{0xcc}, 500)},
	})

	for _, tc := range []struct {
		name string
		mod  func(p []byte) []byte
		err  string
	}{
		{
			name: "version",
			mod:  func(p []byte) []byte { p[0] = 42; return p },
			err:  "raw: invalid page version (got=42, want=1)",
		},
		{
			name: "header-size",
			mod:  func(p []byte) []byte { p[1] = 16; return p },
			err:  "raw: invalid page header size (got=16, want=32)",
		},
		{
			name: "truncated-header",
			mod:  func(p []byte) []byte { return p[:10] },
			err:  "raw: could not read page header: unexpected EOF",
		},
		{
			name: "truncated-payload",
			mod:  func(p []byte) []byte { return p[:HeaderSize+10] },
			err:  "could not read page 0 payload: unexpected EOF",
		},
		{
			name: "crc",
			mod:  func(p []byte) []byte { p[HeaderSize+RecordHeaderSize] ^= 0xff; return p },
			err:  "page 0 inconsistent CRC",
		},
		{
			name: "too-big",
			mod:  func(p []byte) []byte { p[12] = 0xff; return p },
			err:  "page 0 payload too big",
		},
		{
			name: "out-of-order",
			mod: func(p []byte) []byte {
				// swap first two pages.
				var (
					n1 = HeaderSize + (int(p[15]) | int(p[14])<<8)
					p1 = append([]byte(nil), p[:n1]...)
					n2 = HeaderSize + (int(p[n1+15]) | int(p[n1+14])<<8)
					p2 = append([]byte(nil), p[n1:n1+n2]...)
				)
				out := append(p2, p1...)
				return append(out, p[n1+n2:]...)
			},
			err: "out of order page",
		},
		{
			name: "incomplete",
			mod: func(p []byte) []byte {
				// drop the last page.
				var (
					beg = 0
					end = 0
				)
				for end < len(p) {
					n := HeaderSize + (int(p[end+15]) | int(p[end+14])<<8)
					beg, end = end, end+n
				}
				return p[:beg]
			},
			err: "ends with an incomplete record",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw := tc.mod(append([]byte(nil), ref...))
			_, err := Collect(bytes.NewReader(raw))
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got, want := err.Error(), tc.err; !strings.Contains(got, want) {
				t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	var (
		k1  = LinkKey{FEEID: 1}
		k2  = LinkKey{FEEID: 2}
		raw = genPages(t, MinSuperPageSize, map[LinkKey][][]byte{
			k1: {bytes.Repeat([]byte{1}, 300)},
			k2: {[]byte("k2")},
		})
	)

	pages, err := Split(raw)
	if err != nil {
		t.Fatalf("could not split pages: %+v", err)
	}
	if got, want := len(pages), 3; got != want {
		t.Fatalf("invalid number of pages: got=%d, want=%d", got, want)
	}

	n := 0
	for i, p := range pages {
		var page Page
		err := NewDecoder(bytes.NewReader(p)).Decode(&page)
		if err != nil {
			t.Fatalf("could not decode page %d: %+v", i, err)
		}
		n += len(p)
	}
	if got, want := n, len(raw); got != want {
		t.Fatalf("invalid total size: got=%d, want=%d", got, want)
	}

	for _, tc := range []struct {
		name string
		data []byte
		err  string
	}{
		{"truncated-header", raw[:10], "raw: truncated page header at page 0 (size=10)"},
		{"truncated-page", raw[:HeaderSize+1], "raw: truncated page 0"},
		{"version", append([]byte{2}, raw[1:]...), "raw: invalid page header at page 0 (version=2, size=32)"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Split(tc.data)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got, want := err.Error(), tc.err; !strings.Contains(got, want) {
				t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
			}
		})
	}
}
