// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package itsmft

import (
	"bytes"
	"errors"
	"io"
	"log"
	"math/bits"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/sviraaj/AliceO2/detectors"
	"github.com/sviraaj/AliceO2/raw"
)

var discard = log.New(io.Discard, "", 0)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

// memOut collects the output streams of a raw writer in memory.
type memOut struct {
	bufs map[string]*bytes.Buffer
}

func newMemOut() *memOut {
	return &memOut{bufs: make(map[string]*bytes.Buffer)}
}

func (mo *memOut) open(path string) (io.WriteCloser, error) {
	buf := new(bytes.Buffer)
	mo.bufs[path] = buf
	return nopCloser{buf}, nil
}

func newTestEncoder(t *testing.T, m *Mapping, out *memOut, sp int, opts ...Option) *Encoder {
	t.Helper()
	w, err := raw.NewWriter(
		raw.WithOpener(out.open),
		raw.WithLogger(discard),
		raw.WithSuperPageSize(sp),
		raw.WithDefaultSink(m.Name()+".raw"),
	)
	if err != nil {
		t.Fatalf("could not create raw writer: %+v", err)
	}
	enc, err := NewEncoder(m, w, append([]Option{WithLogger(discard)}, opts...)...)
	if err != nil {
		t.Fatalf("could not create encoder: %+v", err)
	}
	return enc
}

// newMapping2L returns a mapping with an IB layer and an OB layer of
// nstaves staves each.
func newMapping2L(t *testing.T, nstaves int) *Mapping {
	t.Helper()
	m, err := NewMapping("ITS", detectors.ITS,
		[]Layer{
			{Staves: nstaves, Type: IB},
			{Staves: nstaves, Type: OB},
		},
		[NRUTypes]RUTypeInfo{
			IB: {Cables: 9, ChipsPerCable: 1},
			MB: {Cables: 16, ChipsPerCable: 7},
			OB: {Cables: 28, ChipsPerCable: 7},
		},
	)
	if err != nil {
		t.Fatalf("could not create mapping: %+v", err)
	}
	return m
}

func TestParseLinkAssignment(t *testing.T) {
	for _, tc := range []struct {
		str  string
		want LinkAssignment
		err  bool
	}{
		{str: "", want: DefaultLinkAssignment},
		{str: "default", want: DefaultLinkAssignment},
		{str: "single", want: SingleLinkAssignment},
		{str: "3,3,3:5,5,6:9,9,10", want: DefaultLinkAssignment},
		{str: "9:16:28", want: SingleLinkAssignment},
		{str: "9,0,0:16,0,0:28,0,0", want: SingleLinkAssignment},
		{str: "1,2:3:4,5,6", want: LinkAssignment{{1, 2, 0}, {3, 0, 0}, {4, 5, 6}}},
		{str: "1,2,3", err: true},
		{str: "1,2,3,4:1:1", err: true},
		{str: "a:1:1", err: true},
	} {
		t.Run(tc.str, func(t *testing.T) {
			got, err := ParseLinkAssignment(tc.str)
			switch {
			case err != nil && !tc.err:
				t.Fatalf("could not parse assignment: %+v", err)
			case err == nil && tc.err:
				t.Fatalf("expected an error")
			case err != nil:
				return
			}
			if got != tc.want {
				t.Fatalf("invalid assignment: got=%v, want=%v", got, tc.want)
			}
			rt, err := ParseLinkAssignment(got.String())
			if err != nil {
				t.Fatalf("could not round-trip assignment: %+v", err)
			}
			if rt != got {
				t.Fatalf("invalid round-trip: got=%v, want=%v", rt, got)
			}
		})
	}
}

func TestValidateLinkAssignment(t *testing.T) {
	m := NewMappingITS()
	for _, tc := range []struct {
		name string
		la   LinkAssignment
		ok   bool
	}{
		{"default", DefaultLinkAssignment, true},
		{"single", SingleLinkAssignment, true},
		{"zero", LinkAssignment{}, true},
		{"negative", LinkAssignment{{-1, 3, 3}, {5, 5, 6}, {9, 9, 10}}, false},
		{"too-many-lanes", LinkAssignment{{3, 3, 4}, {5, 5, 6}, {9, 9, 10}}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.la.Validate(m)
			if got, want := err == nil, tc.ok; got != want {
				t.Fatalf("invalid validation: got=%v, want=%v (err=%v)", got, want, err)
			}
		})
	}
}

func TestSetupLinksTwoLayers(t *testing.T) {
	var (
		m   = newMapping2L(t, 1)
		out = newMemOut()
		enc = newTestEncoder(t, m, out, raw.DefaultSuperPageSize)
	)

	sum, err := SetupLinks(enc, DefaultLinkAssignment, LinkLayout{
		MaxLinksPerCRU: 16,
		FilePerCRU:     true,
		OutDir:         "out",
	})
	if err != nil {
		t.Fatalf("could not setup links: %+v", err)
	}

	if got, want := sum, (LinkSummary{NLinks: 6, NRUs: 2, NCRUs: 2}); got != want {
		t.Fatalf("invalid summary: got=%+v, want=%+v", got, want)
	}
	if got, want := enc.State(), Configured; got != want {
		t.Fatalf("invalid state: got=%v, want=%v", got, want)
	}

	want := [][MaxLinksPerRU]GBTLink{
		{
			{Lanes: 0x007, IDInCRU: 0, CRUID: 0, FEEID: 0x0000},
			{Lanes: 0x038, IDInCRU: 1, CRUID: 0, FEEID: 0x0100},
			{Lanes: 0x1c0, IDInCRU: 2, CRUID: 0, FEEID: 0x0200},
		},
		{
			{Lanes: 0x00001ff, IDInCRU: 0, CRUID: 1, FEEID: 0x1000},
			{Lanes: 0x003fe00, IDInCRU: 1, CRUID: 1, FEEID: 0x1100},
			{Lanes: 0xffc0000, IDInCRU: 2, CRUID: 1, FEEID: 0x1200},
		},
	}
	for ru := range want {
		rud, err := enc.Registry().GetRUDecode(ru)
		if err != nil {
			t.Fatalf("could not get RU %d: %+v", ru, err)
		}
		if got, want := rud.NLinks(), MaxLinksPerRU; got != want {
			t.Fatalf("RU %d: invalid number of links: got=%d, want=%d", ru, got, want)
		}
		for il, lnk := range rud.Links {
			if got, want := *lnk, want[ru][il]; got != want {
				t.Fatalf("RU %d link %d:\ngot= %+v\nwant=%+v", ru, il, got, want)
			}
		}
	}

	w := enc.Writer()
	keys := w.Links()
	if got, want := len(keys), 6; got != want {
		t.Fatalf("invalid number of registered links: got=%d, want=%d", got, want)
	}
	for i, key := range keys {
		want := filepath.Join("out", "ITS_cru0.raw")
		if i >= 3 {
			want = filepath.Join("out", "ITS_cru1.raw")
		}
		if got := w.LinkPath(key); got != want {
			t.Fatalf("link %v: invalid path: got=%q, want=%q", key, got, want)
		}
	}

	_, err = SetupLinks(enc, DefaultLinkAssignment, LinkLayout{MaxLinksPerCRU: 16})
	if err == nil {
		t.Fatalf("expected an error setting up links twice")
	}
}

func TestSetupLinksITS(t *testing.T) {
	const maxLinks = 16
	for _, tc := range []struct {
		name   string
		la     LinkAssignment
		min    int
		max    int
		perCRU bool
		sum    LinkSummary
	}{
		{
			// lr0: 36 links, lr1: 48, lr2: 60, lr3: 72, lr4: 90, lr5: 126, lr6: 144.
			name:   "default",
			la:     DefaultLinkAssignment,
			min:    0,
			max:    191,
			perCRU: true,
			sum:    LinkSummary{NLinks: 576, NRUs: 192, NCRUs: 3 + 3 + 4 + 5 + 6 + 8 + 9},
		},
		{
			name: "single",
			la:   SingleLinkAssignment,
			min:  0,
			max:  191,
			sum:  LinkSummary{NLinks: 192, NRUs: 192, NCRUs: 1 + 1 + 2 + 2 + 2 + 3 + 3},
		},
		{
			name:   "filtered",
			la:     DefaultLinkAssignment,
			min:    10,
			max:    13,
			perCRU: true,
			// RUs 10, 11 on lr0 (links 30-35, CRU 1 and 2), RUs 12, 13 on lr1 (CRU 3).
			sum: LinkSummary{NLinks: 12, NRUs: 4, NCRUs: 3},
		},
		{
			name: "zero",
			la:   LinkAssignment{},
			min:  0,
			max:  191,
			sum:  LinkSummary{NLinks: 0, NRUs: 192, NCRUs: 0},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var (
				m   = NewMappingITS()
				out = newMemOut()
				enc = newTestEncoder(t, m, out, raw.DefaultSuperPageSize, WithRURange(tc.min, tc.max))
			)

			sum, err := SetupLinks(enc, tc.la, LinkLayout{
				MaxLinksPerCRU: maxLinks,
				FilePerCRU:     tc.perCRU,
			})
			if err != nil {
				t.Fatalf("could not setup links: %+v", err)
			}
			if got, want := sum, tc.sum; got != want {
				t.Fatalf("invalid summary: got=%+v, want=%+v", got, want)
			}

			reg := enc.Registry()
			lastCRU := -1
			prevLr := -1
			for ru := 0; ru < m.NRUs(); ru++ {
				rud, err := reg.GetRUDecode(ru)
				if ru < tc.min || ru > tc.max {
					if !errors.Is(err, ErrNotFound) {
						t.Fatalf("RU %d: invalid error: got=%+v, want=%+v", ru, err, ErrNotFound)
					}
					continue
				}
				if err != nil {
					t.Fatalf("RU %d: could not get container: %+v", ru, err)
				}

				var union uint32
				for il, lnk := range rud.Links {
					if lnk == nil {
						continue
					}
					if union&lnk.Lanes != 0 {
						t.Fatalf("RU %d link %d: overlapping lanes", ru, il)
					}
					union |= lnk.Lanes
					if int(lnk.IDInCRU) >= maxLinks {
						t.Fatalf("RU %d link %d: invalid link index %d", ru, il, lnk.IDInCRU)
					}
					if int(lnk.CRUID) < lastCRU {
						t.Fatalf("RU %d link %d: CRU id decreased (%d < %d)", ru, il, lnk.CRUID, lastCRU)
					}
					if lr := rud.Info.Layer; lr != prevLr {
						if prevLr >= 0 && (lnk.IDInCRU != 0 || int(lnk.CRUID) == lastCRU) {
							t.Fatalf("RU %d: layer %d does not start on a fresh CRU (cru=%d, link=%d)",
								ru, lr, lnk.CRUID, lnk.IDInCRU,
							)
						}
						prevLr = lr
					}
					lastCRU = int(lnk.CRUID)
				}
				if rud.NLinks() > 0 {
					if got, want := union, m.CablesOnRUType(rud.Info.Type); got != want {
						t.Fatalf("RU %d: invalid lanes union: got=0x%x, want=0x%x", ru, got, want)
					}
				}
			}

			if got, want := len(enc.Writer().Links()), tc.sum.NLinks; got != want {
				t.Fatalf("invalid number of registered links: got=%d, want=%d", got, want)
			}
		})
	}
}

func TestSetupLinksLayerFiles(t *testing.T) {
	var (
		m   = NewMappingITS()
		out = newMemOut()
		enc = newTestEncoder(t, m, out, raw.DefaultSuperPageSize)
	)
	_, err := SetupLinks(enc, SingleLinkAssignment, LinkLayout{
		MaxLinksPerCRU: DefaultMaxLinksPerCRU,
		OutDir:         "data",
		Prefix:         "run42",
	})
	if err != nil {
		t.Fatalf("could not setup links: %+v", err)
	}

	var names []string
	for name := range out.bufs {
		names = append(names, name)
	}
	if got, want := len(names), m.NLayers(); got != want {
		t.Fatalf("invalid number of files: got=%d, want=%d (%v)", got, want, names)
	}
	for lr := 0; lr < m.NLayers(); lr++ {
		rud, err := enc.Registry().GetRUDecode(m.FirstRUOnLr(lr))
		if err != nil {
			t.Fatalf("could not get RU: %+v", err)
		}
		name := enc.Writer().LinkPath(rud.Links[0].Key())
		if got, want := name, filepath.Join("data", "run42_lr"+string(rune('0'+lr))+".raw"); got != want {
			t.Fatalf("invalid file name: got=%q, want=%q", got, want)
		}
	}
}

func TestSetupLinksErrors(t *testing.T) {
	m := NewMappingITS()
	for _, tc := range []struct {
		name   string
		la     LinkAssignment
		layout LinkLayout
	}{
		{"no-links-per-cru", DefaultLinkAssignment, LinkLayout{}},
		{"too-many-links-per-cru", DefaultLinkAssignment, LinkLayout{MaxLinksPerCRU: 257}},
		{"bad-first-cru", DefaultLinkAssignment, LinkLayout{MaxLinksPerCRU: 16, FirstCRU: -1}},
		{"bad-assignment", LinkAssignment{{10, 0, 0}}, LinkLayout{MaxLinksPerCRU: 16}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			enc := newTestEncoder(t, m, newMemOut(), raw.DefaultSuperPageSize)
			_, err := SetupLinks(enc, tc.la, tc.layout)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got, want := enc.State(), Idle; got != want {
				t.Fatalf("invalid state: got=%v, want=%v", got, want)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	m := NewMappingITS()
	reg := NewRegistry(m, 5, 10)

	for _, tc := range []struct {
		ru  int
		err error
	}{
		{-1, ErrRURange},
		{192, ErrRURange},
		{4, ErrRUFiltered},
		{11, ErrRUFiltered},
		{5, nil},
		{10, nil},
	} {
		rud, err := reg.GetCreateRUDecode(tc.ru)
		if !errors.Is(err, tc.err) {
			t.Fatalf("ru=%d: invalid error: got=%+v, want=%+v", tc.ru, err, tc.err)
		}
		if err != nil {
			continue
		}
		if got, want := rud.ID, tc.ru; got != want {
			t.Fatalf("invalid RU id: got=%d, want=%d", got, want)
		}
		if got, want := rud.Info, m.RUInfo(tc.ru); got != want {
			t.Fatalf("invalid RU info: got=%+v, want=%+v", got, want)
		}

		again, err := reg.GetCreateRUDecode(tc.ru)
		if err != nil || again != rud {
			t.Fatalf("ru=%d: get-create is not idempotent (err=%v)", tc.ru, err)
		}
	}

	if got, want := reg.Created(), []int{5, 10}; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid created RUs: got=%v, want=%v", got, want)
	}

	for _, ru := range []int{-1, 0, 6, 11, 500} {
		_, err := reg.GetRUDecode(ru)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("ru=%d: invalid error: got=%+v, want=%+v", ru, err, ErrNotFound)
		}
	}
}

func TestGBTLink(t *testing.T) {
	lnk := GBTLink{Lanes: 0x1c0, IDInCRU: 2, CRUID: 3, FEEID: 0x0200, EndPointID: 1}
	if got, want := lnk.Key(), (raw.LinkKey{FEEID: 0x0200, CRUID: 3, LinkID: 2, EndPointID: 1}); got != want {
		t.Fatalf("invalid key: got=%v, want=%v", got, want)
	}
	if got, want := lnk.NLanes(), bits.OnesCount32(0x1c0); got != want {
		t.Fatalf("invalid number of lanes: got=%d, want=%d", got, want)
	}
	if got, want := lnk.Describe(), "link: FEE=0x0200 CRU=3 link=2 ep=1 lanes=0x00001c0 (3)"; got != want {
		t.Fatalf("invalid description:\ngot= %q\nwant=%q", got, want)
	}
}
