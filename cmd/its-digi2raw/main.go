// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// its-digi2raw converts ITS digits stored in LCIO files into CRU raw data.
//
// Usage: its-digi2raw [OPTIONS] -i digits.slcio
//
// Example:
//
//  $> its-digi2raw -i ./digits.slcio -o ./raw -file-per-cru
//  itsmft: distributed 576 links on 192 RUs in 38 CRUs
//  itsmft: encoded 1234 digits from 10 frames (empty=0, filtered=0, uncovered=0, payloads=5760)
//  its-digi2raw: wrote 5760 pages (2419200 bytes, fill=0.40±0.12) in 38 files
package main // import "github.com/sviraaj/AliceO2/cmd/its-digi2raw"

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sbinet/pmon"
	o2 "github.com/sviraaj/AliceO2"
	"github.com/sviraaj/AliceO2/conddb"
	"github.com/sviraaj/AliceO2/detectors"
	"github.com/sviraaj/AliceO2/internal/xcnv"
	"github.com/sviraaj/AliceO2/itsmft"
	"github.com/sviraaj/AliceO2/raw"
	"go-hep.org/x/hep/lcio"
	mail "gopkg.in/gomail.v2"
)

const usage = `its-digi2raw converts ITS digits stored in LCIO files into CRU raw data.

Usage: its-digi2raw [OPTIONS] -i digits.slcio

The run conditions are read from the -grp source:
 - a JSON file,
 - a conditions database, as "mysql:user:pass@tcp(host)/db" or "sqlite:file.db",
   for the run -run (or the last run when -run is negative).
Without -grp, ITS is assumed read out in continuous mode.

The link assignment (-links) is either "default", "single" or the number
of lanes of each link slot of IB, MB and OB readout units, e.g. "3,3,3:8,8,0:7,7,0".

Example:

 $> its-digi2raw -i ./digits.slcio -o ./raw -file-per-cru

Options:
`

func main() {
	xmain(os.Stdout, os.Args[1:])
}

type config struct {
	input      string
	odir       string
	filePerCRU bool
	verbose    int
	spsize     int
	links      string
	ruMin      int
	ruMax      int
	maxLinks   int
	firstCRU   int
	grp        string
	run        int64
	pmon       bool
	pmonFreq   time.Duration
	mail       bool
}

func xmain(w io.Writer, args []string) {
	log.SetPrefix("its-digi2raw: ")
	log.SetFlags(0)

	var (
		cfg  config
		fset = flag.NewFlagSet("its-digi2raw", flag.ExitOnError)
		vers = fset.Bool("version", false, "print version and exit")
	)

	fset.StringVar(&cfg.input, "i", "", "path to input LCIO file with digits")
	fset.StringVar(&cfg.odir, "o", ".", "output directory")
	fset.BoolVar(&cfg.filePerCRU, "file-per-cru", false, "create one raw file per CRU (default: one per layer)")
	fset.IntVar(&cfg.verbose, "v", 0, "verbosity level")
	fset.IntVar(&cfg.spsize, "sp", raw.DefaultSuperPageSize, "superpage size in bytes")
	fset.StringVar(&cfg.links, "links", "default", "number of lanes per link slot of IB, MB and OB readout units")
	fset.IntVar(&cfg.ruMin, "ru-min", 0, "first readout unit to encode")
	fset.IntVar(&cfg.ruMax, "ru-max", 0xff, "last readout unit to encode")
	fset.IntVar(&cfg.maxLinks, "max-links-cru", itsmft.DefaultMaxLinksPerCRU, "maximum number of links per CRU")
	fset.IntVar(&cfg.firstCRU, "first-cru", 0, "identifier of the first CRU")
	fset.StringVar(&cfg.grp, "grp", "", "run conditions source (JSON file, mysql:DSN or sqlite:DSN)")
	fset.Int64Var(&cfg.run, "run", -1, "run number to look up in the conditions database")
	fset.BoolVar(&cfg.pmon, "pmon", false, "enable pmon monitoring")
	fset.DurationVar(&cfg.pmonFreq, "pmon-freq", 1*time.Second, "pmon frequency")
	fset.BoolVar(&cfg.mail, "mail", false, "send a report mail at the end of the conversion")

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
		fmt.Fprintf(w, "its-digi2raw %s %s\n", version, sum)
		return
	}

	if cfg.input == "" {
		fset.Usage()
		log.Fatalf("missing path to input LCIO file")
	}

	msg := log.New(w, "its-digi2raw: ", 0)
	start := time.Now()
	sum, err := process(msg, cfg)
	if err != nil {
		log.Fatalf("could not convert %q: %+v", cfg.input, err)
	}

	if cfg.mail {
		sendReport(msg, cfg, sum, time.Since(start))
	}
}

type summary struct {
	run   int64
	links itsmft.LinkSummary
	enc   itsmft.EncoderStats
	pages raw.Stats
	files int
}

func process(msg *log.Logger, cfg config) (summary, error) {
	var sum summary

	grp, err := loadGRP(cfg.grp, cfg.run)
	if err != nil {
		return sum, fmt.Errorf("could not load run conditions: %w", err)
	}
	sum.run = grp.Run
	if !grp.IsDetReadOut(detectors.ITS) {
		return sum, fmt.Errorf("ITS is not read out in run %d (readout=%v)", grp.Run, grp.ReadOut)
	}

	la, err := itsmft.ParseLinkAssignment(cfg.links)
	if err != nil {
		return sum, fmt.Errorf("could not parse link assignment: %w", err)
	}

	err = os.MkdirAll(cfg.odir, 0755)
	if err != nil {
		return sum, fmt.Errorf("could not create output directory: %w", err)
	}

	if cfg.pmon {
		stop, err := monitor(msg, cfg.odir, cfg.pmonFreq)
		if err != nil {
			return sum, err
		}
		defer stop()
	}

	r, err := lcio.Open(cfg.input)
	if err != nil {
		return sum, fmt.Errorf("could not open LCIO file: %w", err)
	}
	defer r.Close()

	var (
		m    = itsmft.NewMappingITS()
		logw = msg.Writer()
	)

	w, err := raw.NewWriter(
		raw.WithSuperPageSize(cfg.spsize),
		raw.WithDefaultSink(filepath.Join(cfg.odir, m.Name()+".raw")),
		raw.WithLogger(log.New(logw, "raw: ", 0)),
	)
	if err != nil {
		return sum, fmt.Errorf("could not create raw writer: %w", err)
	}

	enc, err := itsmft.NewEncoder(
		m, w,
		itsmft.WithRURange(cfg.ruMin, cfg.ruMax),
		itsmft.WithContinuous(grp.IsDetContinuousReadOut(detectors.ITS)),
		itsmft.WithVerbosity(cfg.verbose),
		itsmft.WithLogger(log.New(logw, "itsmft: ", 0)),
	)
	if err != nil {
		return sum, fmt.Errorf("could not create encoder: %w", err)
	}
	defer enc.Finalize()

	sum.links, err = itsmft.SetupLinks(enc, la, itsmft.LinkLayout{
		MaxLinksPerCRU: cfg.maxLinks,
		FirstCRU:       cfg.firstCRU,
		FilePerCRU:     cfg.filePerCRU,
		OutDir:         cfg.odir,
	})
	if err != nil {
		return sum, fmt.Errorf("could not setup links: %w", err)
	}

	err = enc.Process(xcnv.NewFrameReader(r))
	if err != nil {
		return sum, fmt.Errorf("could not encode digits: %w", err)
	}

	fname := filepath.Join(cfg.odir, m.Name()+"raw.cfg")
	err = w.WriteConfFile(m.Name(), "RAWDATA", fname)
	if err != nil {
		return sum, fmt.Errorf("could not write raw configuration: %w", err)
	}

	err = enc.Finalize()
	if err != nil {
		return sum, fmt.Errorf("could not finalize encoder: %w", err)
	}

	sum.enc = enc.Stats()
	sum.pages = w.Stats()
	sum.files = len(w.Conf(m.Name(), "RAWDATA").Files())
	msg.Printf(
		"wrote %d pages (%d bytes, fill=%.2f±%.2f) in %d files",
		sum.pages.Pages, sum.pages.Bytes, sum.pages.MeanFill, sum.pages.StdFill, sum.files,
	)

	return sum, nil
}

// loadGRP retrieves the run conditions from src.
func loadGRP(src string, run int64) (conddb.GRP, error) {
	drv, dsn, _ := strings.Cut(src, ":")
	switch {
	case src == "":
		grp := conddb.GRP{
			ReadOut:    detectors.ITS.Mask(),
			Continuous: detectors.ITS.Mask(),
		}
		if run > 0 {
			grp.Run = run
		}
		return grp, nil

	case drv == "mysql" || drv == "sqlite":
		db, err := conddb.Open(drv, dsn)
		if err != nil {
			return conddb.GRP{}, err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if run < 0 {
			return db.LastGRP(ctx)
		}
		return db.GRP(ctx, run)

	default:
		return conddb.LoadGRP(src)
	}
}

// monitor starts monitoring the resources used by the current process.
func monitor(msg *log.Logger, dir string, freq time.Duration) (func(), error) {
	pid := os.Getpid()
	p, err := pmon.Monitor(pid)
	if err != nil {
		return nil, fmt.Errorf("could not start monitoring (pid=%d): %w", pid, err)
	}

	f, err := os.Create(filepath.Join(dir, "its-digi2raw-pmon.log"))
	if err != nil {
		return nil, fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		err := p.Run()
		if err != nil {
			msg.Printf("could not run pmon: %+v", err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			msg.Printf("could not stop pmon: %+v", err)
		}
		_ = f.Close()
	}, nil
}

var (
	reportMailUsr  = os.Getenv("MAIL_USERNAME")
	reportMailPwd  = os.Getenv("MAIL_PASSWORD")
	reportMailSrv  = os.Getenv("MAIL_SERVER")
	reportMailPort = atoi(os.Getenv("MAIL_PORT"))
	reportMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func sendReport(msg *log.Logger, cfg config, sum summary, dt time.Duration) {
	if reportMailUsr == "" || reportMailPwd == "" ||
		reportMailSrv == "" || reportMailPort == 0 ||
		len(reportMailTgts) == 0 {
		msg.Printf("could not send mail report: missing credentials")
		return
	}

	m := mail.NewMessage()
	m.SetHeader("From", reportMailUsr)
	m.SetHeader("Bcc", reportMailTgts...)
	m.SetHeader("Subject", fmt.Sprintf("[its-digi2raw] run %d converted", sum.run))
	m.SetBody("text/plain", reportBody(cfg, sum, dt))

	dial := mail.NewDialer(reportMailSrv, reportMailPort, reportMailUsr, reportMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err := dial.DialAndSend(m)
	if err != nil {
		msg.Printf("could not send mail report: %+v", err)
	}
}

func reportBody(cfg config, sum summary, dt time.Duration) string {
	o := new(strings.Builder)
	fmt.Fprintf(o, "input:  %q\n", cfg.input)
	fmt.Fprintf(o, "output: %q\n", cfg.odir)
	fmt.Fprintf(o, "run:    %d\n", sum.run)
	fmt.Fprintf(o, "links:  %v\n", sum.links)
	fmt.Fprintf(o, "frames: %d (empty=%d)\n", sum.enc.Frames, sum.enc.Empty)
	fmt.Fprintf(o, "digits: %d (filtered=%d, uncovered=%d)\n", sum.enc.Digits, sum.enc.Filtered, sum.enc.Uncovered)
	fmt.Fprintf(o, "pages:  %d (%d bytes) in %d files\n", sum.pages.Pages, sum.pages.Bytes, sum.files)
	fmt.Fprintf(o, "time:   %v\n", dt)
	return o.String()
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
