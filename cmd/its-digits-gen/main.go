// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// its-digits-gen generates random ITS digits and stores them in an LCIO file.
//
// Usage: its-digits-gen [OPTIONS]
//
// Example:
//
//  $> its-digits-gen -o digits.slcio -n 100 -hits 500
package main // import "github.com/sviraaj/AliceO2/cmd/its-digits-gen"

import (
	"compress/flate"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"

	"github.com/sviraaj/AliceO2/internal/xcnv"
	"github.com/sviraaj/AliceO2/itsmft"
	"go-hep.org/x/hep/lcio"
)

const usage = `its-digits-gen generates random ITS digits and stores them in an LCIO file.

Usage: its-digits-gen [OPTIONS]

Example:

 $> its-digits-gen -o digits.slcio -n 100 -hits 500

Options:
`

func main() {
	xmain(os.Stdout, os.Args[1:])
}

type config struct {
	oname  string
	run    int
	frames int
	hits   int
	empty  float64
	seed   int64
	period uint64
}

func xmain(w io.Writer, args []string) {
	log.SetPrefix("its-digits-gen: ")
	log.SetFlags(0)

	var (
		cfg  config
		fset = flag.NewFlagSet("its-digits-gen", flag.ExitOnError)
	)

	fset.StringVar(&cfg.oname, "o", "digits.slcio", "path to output LCIO file")
	fset.IntVar(&cfg.run, "run", 0, "run number")
	fset.IntVar(&cfg.frames, "n", 10, "number of read-out frames")
	fset.IntVar(&cfg.hits, "hits", 100, "mean number of digits per frame")
	fset.Float64Var(&cfg.empty, "empty", 0, "fraction of empty frames")
	fset.Int64Var(&cfg.seed, "seed", 1234, "seed of the random generator")
	fset.Uint64Var(&cfg.period, "period", 594, "number of bunch crossings between frames")

	fset.Usage = func() {
		fmt.Fprint(fset.Output(), usage)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		log.Fatalf("could not parse input arguments: %+v", err)
	}

	err = process(log.New(w, "its-digits-gen: ", 0), cfg)
	if err != nil {
		log.Fatalf("could not generate digits: %+v", err)
	}
}

func process(msg *log.Logger, cfg config) error {
	if cfg.period == 0 {
		return fmt.Errorf("invalid frame period")
	}

	frames := generate(itsmft.NewMappingITS(), cfg)

	w, err := lcio.Create(cfg.oname)
	if err != nil {
		return fmt.Errorf("could not create output LCIO file: %w", err)
	}
	defer w.Close()

	w.SetCompressionLevel(flate.BestCompression)

	err = xcnv.WriteFrames(w, int32(cfg.run), frames, msg)
	if err != nil {
		return err
	}

	err = w.Close()
	if err != nil {
		return fmt.Errorf("could not close output LCIO file: %w", err)
	}

	msg.Printf("generated %d frames into %q", len(frames), cfg.oname)
	return nil
}

func generate(m *itsmft.Mapping, cfg config) []itsmft.Frame {
	var (
		rnd    = rand.New(rand.NewSource(cfg.seed))
		frames = make([]itsmft.Frame, cfg.frames)
		nchips = m.NChips()
	)
	for i := range frames {
		frame := &frames[i]
		frame.ROF = uint32(i)
		frame.Timestamp = uint64(i+1) * cfg.period
		if rnd.Float64() < cfg.empty || cfg.hits <= 0 {
			continue
		}
		n := rnd.Intn(2*cfg.hits + 1)
		frame.Digits = make([]itsmft.Digit, n)
		for j := range frame.Digits {
			frame.Digits[j] = itsmft.Digit{
				Chip:   uint16(rnd.Intn(nchips)),
				Row:    uint16(rnd.Intn(itsmft.NRows)),
				Col:    uint16(rnd.Intn(itsmft.NCols)),
				Charge: int32(rnd.Intn(256)),
			}
		}
	}
	return frames
}
