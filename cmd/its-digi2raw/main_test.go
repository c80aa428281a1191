// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sviraaj/AliceO2/conddb"
	"github.com/sviraaj/AliceO2/detectors"
	"github.com/sviraaj/AliceO2/internal/xcnv"
	"github.com/sviraaj/AliceO2/itsmft"
	"github.com/sviraaj/AliceO2/raw"
	"go-hep.org/x/hep/lcio"
)

func genDigits(t *testing.T, fname string) {
	t.Helper()

	w, err := lcio.Create(fname)
	if err != nil {
		t.Fatalf("could not create LCIO file: %+v", err)
	}
	defer w.Close()

	frames := []itsmft.Frame{
		{
			ROF:       0,
			Timestamp: 100,
			Digits: []itsmft.Digit{
				{Chip: 0, Row: 1, Col: 2, Charge: 3},
				{Chip: 0, Row: 0, Col: 5, Charge: 3},
				{Chip: 24119, Row: 511, Col: 1023, Charge: 100},
			},
		},
		{ROF: 1, Timestamp: 200},
		{
			ROF:       2,
			Timestamp: 300,
			Digits: []itsmft.Digit{
				{Chip: 0, Row: 10, Col: 20, Charge: 1},
			},
		},
	}

	err = xcnv.WriteFrames(w, 42, frames, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("could not write frames: %+v", err)
	}

	err = w.Close()
	if err != nil {
		t.Fatalf("could not close LCIO file: %+v", err)
	}
}

func TestProcess(t *testing.T) {
	tmp, err := os.MkdirTemp("", "its-digi2raw-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmp)

	input := filepath.Join(tmp, "digits.slcio")
	genDigits(t, input)

	grp := filepath.Join(tmp, "grp.json")
	err = conddb.SaveGRP(grp, conddb.GRP{
		Run:     42,
		Start:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ReadOut: detectors.ITS.Mask() | detectors.TPC.Mask(),
	})
	if err != nil {
		t.Fatalf("could not save GRP: %+v", err)
	}

	var (
		odir = filepath.Join(tmp, "out")
		buf  = new(bytes.Buffer)
		msg  = log.New(buf, "its-digi2raw: ", 0)
	)

	sum, err := process(msg, config{
		input:    input,
		odir:     odir,
		spsize:   4096,
		links:    "default",
		ruMin:    0,
		ruMax:    0xff,
		maxLinks: itsmft.DefaultMaxLinksPerCRU,
		grp:      grp,
		run:      -1,
	})
	if err != nil {
		t.Fatalf("could not process: %+v\n%s", err, buf.String())
	}

	if got, want := sum.run, int64(42); got != want {
		t.Fatalf("invalid run: got=%d, want=%d", got, want)
	}
	if got, want := sum.links.String(), "distributed 576 links on 192 RUs in 38 CRUs"; got != want {
		t.Fatalf("invalid links summary:\ngot= %q\nwant=%q", got, want)
	}
	if got, want := sum.enc, (itsmft.EncoderStats{
		Frames:   3,
		Empty:    1,
		Digits:   4,
		Payloads: 9,
	}); got != want {
		t.Fatalf("invalid encoder stats:\ngot= %+v\nwant=%+v", got, want)
	}
	if got, want := sum.pages.Pages, 6; got != want {
		t.Fatalf("invalid number of pages: got=%d, want=%d", got, want)
	}
	if got, want := strings.Count(buf.String(), "distributed 576 links on 192 RUs in 38 CRUs"), 1; got != want {
		t.Fatalf("invalid number of links summaries in log: got=%d, want=%d\n%s", got, want, buf.String())
	}
	if !strings.Contains(buf.String(), "its-digi2raw: wrote 6 pages (") {
		t.Fatalf("missing pages summary in log:\n%s", buf.String())
	}

	cfg, err := raw.ReadConfFile(filepath.Join(odir, "ITSraw.cfg"))
	if err != nil {
		t.Fatalf("could not read raw configuration: %+v", err)
	}
	if got, want := len(cfg.Links), 576; got != want {
		t.Fatalf("invalid number of links: got=%d, want=%d", got, want)
	}
	if got, want := cfg.SuperPageSize, 4096; got != want {
		t.Fatalf("invalid superpage size: got=%d, want=%d", got, want)
	}
	if cfg.DefaultSink != "" {
		t.Fatalf("unexpected default sink %q", cfg.DefaultSink)
	}

	var want []string
	for i := 0; i < 7; i++ {
		want = append(want, filepath.Join(odir, fmt.Sprintf("ITS_lr%d.raw", i)))
	}
	if diff := cmp.Diff(want, cfg.Files()); diff != "" {
		t.Fatalf("invalid files: (-want +got)\n%s", diff)
	}

	m := itsmft.NewMappingITS()
	for _, tc := range []struct {
		fname string
		ru    int
	}{
		{fname: "ITS_lr0.raw", ru: 0},
		{fname: "ITS_lr6.raw", ru: m.NRUs() - 1},
	} {
		t.Run(tc.fname, func(t *testing.T) {
			f, err := os.Open(filepath.Join(odir, tc.fname))
			if err != nil {
				t.Fatalf("could not open raw file: %+v", err)
			}
			defer f.Close()

			recs, err := raw.Collect(f)
			if err != nil {
				t.Fatalf("could not collect records: %+v", err)
			}
			if got, want := len(recs), itsmft.MaxLinksPerRU; got != want {
				t.Fatalf("invalid number of links: got=%d, want=%d", got, want)
			}
			for il := 0; il < itsmft.MaxLinksPerRU; il++ {
				var (
					fee = m.RUSW2FEEId(tc.ru, il)
					n   = 0
				)
				for key, rs := range recs {
					if key.FEEID != fee {
						continue
					}
					for _, rec := range rs {
						pkt, err := itsmft.DecodePacket(rec.Data)
						if err != nil {
							t.Fatalf("could not decode packet: %+v", err)
						}
						if pkt.FEEID != fee {
							t.Fatalf("invalid FEE id: got=0x%04x, want=0x%04x", pkt.FEEID, fee)
						}
						if pkt.Continuous {
							t.Fatalf("unexpected continuous readout flag")
						}
						for _, chip := range pkt.Chips {
							n += len(chip.Pixels)
						}
					}
				}
				switch {
				case tc.ru == 0 && il == 0:
					if got, want := n, 3; got != want {
						t.Fatalf("invalid number of pixels on link %d: got=%d, want=%d", il, got, want)
					}
				case tc.ru != 0 && il == 2:
					if got, want := n, 1; got != want {
						t.Fatalf("invalid number of pixels on link %d: got=%d, want=%d", il, got, want)
					}
				default:
					if n != 0 {
						t.Fatalf("unexpected pixels on link %d: %d", il, n)
					}
				}
			}
		})
	}
}

func TestProcessNoITS(t *testing.T) {
	tmp, err := os.MkdirTemp("", "its-digi2raw-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmp)

	grp := filepath.Join(tmp, "grp.json")
	err = conddb.SaveGRP(grp, conddb.GRP{Run: 7, ReadOut: detectors.TPC.Mask()})
	if err != nil {
		t.Fatalf("could not save GRP: %+v", err)
	}

	_, err = process(log.New(io.Discard, "", 0), config{
		input: filepath.Join(tmp, "digits.slcio"),
		odir:  tmp,
		grp:   grp,
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got, want := err.Error(), "ITS is not read out in run 7 (readout=TPC)"; got != want {
		t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
	}
}

func TestLoadGRP(t *testing.T) {
	tmp, err := os.MkdirTemp("", "its-digi2raw-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmp)

	want := conddb.GRP{
		Run:        12,
		Start:      time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		ReadOut:    detectors.ITS.Mask() | detectors.MFT.Mask(),
		Continuous: detectors.ITS.Mask(),
	}

	fname := filepath.Join(tmp, "grp.json")
	err = conddb.SaveGRP(fname, want)
	if err != nil {
		t.Fatalf("could not save GRP: %+v", err)
	}

	got, err := loadGRP(fname, -1)
	if err != nil {
		t.Fatalf("could not load GRP from file: %+v", err)
	}
	if !got.Start.Equal(want.Start) {
		t.Fatalf("invalid start: got=%v, want=%v", got.Start, want.Start)
	}
	got.Start = want.Start
	if got != want {
		t.Fatalf("invalid GRP:\ngot= %+v\nwant=%+v", got, want)
	}

	db := filepath.Join(tmp, "cond.db")
	{
		cdb, err := conddb.Open("sqlite", db)
		if err != nil {
			t.Fatalf("could not open db: %+v", err)
		}
		ctx := context.Background()
		err = cdb.CreateTables(ctx)
		if err != nil {
			t.Fatalf("could not create tables: %+v", err)
		}
		for _, grp := range []conddb.GRP{
			{Run: 10, Start: want.Start.Add(-time.Hour), ReadOut: detectors.ITS.Mask()},
			want,
		} {
			err = cdb.PutGRP(ctx, grp)
			if err != nil {
				t.Fatalf("could not put GRP: %+v", err)
			}
		}
		err = cdb.Close()
		if err != nil {
			t.Fatalf("could not close db: %+v", err)
		}
	}

	for _, tc := range []struct {
		run  int64
		want int64
	}{
		{run: -1, want: 12},
		{run: 10, want: 10},
	} {
		got, err := loadGRP("sqlite:"+db, tc.run)
		if err != nil {
			t.Fatalf("could not load GRP from db (run=%d): %+v", tc.run, err)
		}
		if got.Run != tc.want {
			t.Fatalf("invalid run: got=%d, want=%d", got.Run, tc.want)
		}
	}

	_, err = loadGRP("sqlite:"+db, 11)
	if err == nil {
		t.Fatalf("expected an error for a missing run")
	}

	dflt, err := loadGRP("", 5)
	if err != nil {
		t.Fatalf("could not create default GRP: %+v", err)
	}
	if !dflt.IsDetContinuousReadOut(detectors.ITS) || dflt.Run != 5 {
		t.Fatalf("invalid default GRP: %+v", dflt)
	}
}

func TestReportBody(t *testing.T) {
	got := reportBody(
		config{input: "digits.slcio", odir: "out"},
		summary{
			run:   42,
			links: itsmft.LinkSummary{NLinks: 12, NRUs: 4, NCRUs: 3},
			enc:   itsmft.EncoderStats{Frames: 10, Empty: 2, Digits: 100, Filtered: 3},
			pages: raw.Stats{Pages: 20, Bytes: 4096},
			files: 3,
		},
		2*time.Second,
	)
	want := `input:  "digits.slcio"
output: "out"
run:    42
links:  distributed 12 links on 4 RUs in 3 CRUs
frames: 10 (empty=2)
digits: 100 (filtered=3, uncovered=0)
pages:  20 (4096 bytes) in 3 files
time:   2s
`
	if got != want {
		t.Fatalf("invalid report:\ngot:\n%s\nwant:\n%s", got, want)
	}
}
