// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// its-raw-dump decodes and displays the pages of ITS raw data files.
//
// Usage: its-raw-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//  $> its-raw-dump -payload ./raw/ITS_lr0.raw
//  === page 0 (FEE=0x0000 CRU=0 link=0 ep=0) ===
//  counter:          0
//  payload:         70
//  records:          2
//  flags:         0x00
//  time:           100
//    rec[0] ts=100 size=29
//      GBT FEE=0x0000 lanes=0x0000007 chips=1 continuous=false
//        chip=0 lane=0 bc=100 pixels=2
//  [...]
//
//  $> its-raw-dump -cfg ./raw/ITSraw.cfg
//  origin:      ITS
//  description: RAWDATA
//  [...]
package main // import "github.com/sviraaj/AliceO2/cmd/its-raw-dump"

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	o2 "github.com/sviraaj/AliceO2"
	"github.com/sviraaj/AliceO2/internal/mmap"
	"github.com/sviraaj/AliceO2/itsmft"
	"github.com/sviraaj/AliceO2/raw"
)

const usage = `its-raw-dump decodes and displays the pages of ITS raw data files.

Usage: its-raw-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> its-raw-dump -payload ./raw/ITS_lr0.raw
 $> its-raw-dump -cfg ./raw/ITSraw.cfg
 $> its-raw-dump -i ./raw/ITS_lr0.raw

Options:
`

func main() {
	xmain(os.Stdout, os.Args[1:])
}

func xmain(w io.Writer, args []string) {
	log.SetPrefix("its-raw-dump: ")
	log.SetFlags(0)

	var (
		fset = flag.NewFlagSet("its-raw-dump", flag.ExitOnError)

		cfg     = fset.String("cfg", "", "path to a raw data configuration file to display")
		payload = fset.Bool("payload", false, "decode link payloads")
		inter   = fset.Bool("i", false, "enable interactive page browser")
		vers    = fset.Bool("version", false, "print version and exit")
	)

	fset.Usage = func() {
		fmt.Fprint(fset.Output(), usage)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		log.Fatalf("could not parse input arguments: %+v", err)
	}

	if *vers {
		version, sum := o2.Version()
		fmt.Fprintf(w, "its-raw-dump %s %s\n", version, sum)
		return
	}

	if *cfg != "" {
		err := dumpConf(w, *cfg)
		if err != nil {
			log.Fatalf("could not dump configuration %q: %+v", *cfg, err)
		}
	}

	if fset.NArg() == 0 {
		if *cfg != "" {
			return
		}
		fset.Usage()
		log.Fatalf("missing path to input raw file")
	}

	for _, fname := range fset.Args() {
		var err error
		switch {
		case *inter:
			err = browse(w, fname, *payload)
		default:
			err = process(w, fname, *payload)
		}
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func dumpConf(w io.Writer, fname string) error {
	cfg, err := raw.ReadConfFile(fname)
	if err != nil {
		return err
	}

	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	fmt.Fprintf(wbuf, "origin:      %s\n", cfg.Origin)
	fmt.Fprintf(wbuf, "description: %s\n", cfg.Description)
	fmt.Fprintf(wbuf, "superpage:   %d\n", cfg.SuperPageSize)
	fmt.Fprintf(wbuf, "producer:    %s\n", cfg.Producer)
	if cfg.DefaultSink != "" {
		fmt.Fprintf(wbuf, "default:     %s\n", cfg.DefaultSink)
	}
	fmt.Fprintf(wbuf, "files:       %d\n", len(cfg.Files()))
	fmt.Fprintf(wbuf, "links:       %d\n", len(cfg.Links))
	for _, lnk := range cfg.Links {
		fmt.Fprintf(wbuf, "  %v -> %s\n", lnk.Key, lnk.Path)
	}

	return wbuf.Flush()
}

func process(w io.Writer, fname string, payload bool) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	h, err := mmap.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open raw file: %w", err)
	}
	defer h.Close()

	var (
		dec  = raw.NewDecoder(bytes.NewReader(h.Bytes()))
		page raw.Page
	)
	for i := 0; ; i++ {
		err := dec.Decode(&page)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("could not decode page %d: %w", i, err)
		}
		dumpPage(wbuf, i, &page, payload)
	}

	return wbuf.Flush()
}

func dumpPage(w io.Writer, i int, page *raw.Page, payload bool) {
	hdr := page.Header
	fmt.Fprintf(w, "=== page %d (%v) ===\n", i, hdr.Link)
	fmt.Fprintf(w, "counter: % 10d\n", hdr.PageCounter)
	fmt.Fprintf(w, "payload: % 10d\n", hdr.PayloadSize)
	fmt.Fprintf(w, "records: % 10d\n", hdr.NRecords)
	fmt.Fprintf(w, "flags:         0x%02x\n", hdr.Flags)
	fmt.Fprintf(w, "time:    % 10d\n", hdr.Timestamp)

	for j, rec := range page.Records {
		fmt.Fprintf(w, "  rec[%d] ts=%d size=%d\n", j, rec.Timestamp, len(rec.Data))
		if !payload {
			continue
		}
		switch {
		case j == 0 && hdr.Flags&raw.FlagContinued != 0,
			j == len(page.Records)-1 && hdr.Flags&raw.FlagToBeContinued != 0:
			fmt.Fprintf(w, "    (partial record)\n")
			continue
		}
		pkt, err := itsmft.DecodePacket(rec.Data)
		if err != nil {
			fmt.Fprintf(w, "    could not decode payload: %+v\n", err)
			continue
		}
		fmt.Fprintf(w, "    GBT FEE=0x%04x lanes=0x%07x chips=%d continuous=%v\n",
			pkt.FEEID, pkt.Lanes, len(pkt.Chips), pkt.Continuous,
		)
		for _, chip := range pkt.Chips {
			fmt.Fprintf(w, "      chip=%d lane=%d bc=%d pixels=%d\n",
				chip.InRU, chip.Lane, chip.BC, len(chip.Pixels),
			)
		}
	}
}

// browser displays the pages of a raw file on demand.
type browser struct {
	w       io.Writer
	pages   [][]byte
	cur     int
	payload bool
}

const browserHelp = `commands:
 n, next      display the next page
 p, prev      display the previous page
 g, goto N    display page N
 l, list      list the links of all pages
 h, help      display this help
 q, quit      quit
`

// exec executes a browser command. It returns whether the browser
// should stop.
func (b *browser) exec(line string) (bool, error) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
		return false, nil
	case "q", "quit":
		return true, nil
	case "h", "help":
		fmt.Fprint(b.w, browserHelp)
		return false, nil
	case "n", "next":
		if b.cur+1 >= len(b.pages) {
			return false, fmt.Errorf("no page after page %d", b.cur)
		}
		b.cur++
		return false, b.show()
	case "p", "prev":
		if b.cur == 0 {
			return false, fmt.Errorf("no page before page 0")
		}
		b.cur--
		return false, b.show()
	case "g", "goto":
		i, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			return false, fmt.Errorf("invalid page number %q", arg)
		}
		if i < 0 || i >= len(b.pages) {
			return false, fmt.Errorf("page %d out of range [0, %d)", i, len(b.pages))
		}
		b.cur = i
		return false, b.show()
	case "l", "list":
		var page raw.Page
		for i, p := range b.pages {
			err := raw.NewDecoder(bytes.NewReader(p)).Decode(&page)
			if err != nil {
				return false, fmt.Errorf("could not decode page %d: %w", i, err)
			}
			fmt.Fprintf(b.w, "page %d: %v counter=%d records=%d\n",
				i, page.Header.Link, page.Header.PageCounter, page.Header.NRecords,
			)
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown command %q", cmd)
}

func (b *browser) show() error {
	var page raw.Page
	err := raw.NewDecoder(bytes.NewReader(b.pages[b.cur])).Decode(&page)
	if err != nil {
		return fmt.Errorf("could not decode page %d: %w", b.cur, err)
	}
	dumpPage(b.w, b.cur, &page, b.payload)
	return nil
}

func browse(w io.Writer, fname string, payload bool) error {
	h, err := mmap.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open raw file: %w", err)
	}
	defer h.Close()

	pages, err := raw.Split(h.Bytes())
	if err != nil {
		return fmt.Errorf("could not split pages: %w", err)
	}
	if len(pages) == 0 {
		fmt.Fprintf(w, "file %q has no page\n", fname)
		return nil
	}

	b := browser{w: w, pages: pages, payload: payload}
	err = b.show()
	if err != nil {
		return err
	}

	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	for {
		line, err := term.Prompt(fmt.Sprintf("[%d/%d]>> ", b.cur, len(pages)))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		term.AppendHistory(line)

		quit, err := b.exec(line)
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}
