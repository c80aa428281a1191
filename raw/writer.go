// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package raw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/sviraaj/AliceO2/internal/crc16"
	"golang.org/x/sync/errgroup"
)

// Option configures a Writer.
type Option func(*Writer)

// WithSuperPageSize sets the maximum size of a page, header included.
func WithSuperPageSize(n int) Option {
	return func(w *Writer) {
		w.size = n
	}
}

// WithDefaultSink sets the destination of links that were not registered.
func WithDefaultSink(path string) Option {
	return func(w *Writer) {
		w.dflt = path
	}
}

// WithOpener sets the function used to open destinations.
// Each page is handed to the destination with a single Write call.
func WithOpener(open func(path string) (io.WriteCloser, error)) Option {
	return func(w *Writer) {
		w.open = open
	}
}

// WithLogger sets the logger of the writer.
func WithLogger(msg *log.Logger) Option {
	return func(w *Writer) {
		w.msg = msg
	}
}

// Writer accumulates link payloads into superpages and flushes
// completed pages to the destination registered for each link.
//
// Pages of a given link are written in the order the payloads were
// pushed. Writer is not safe for concurrent use.
type Writer struct {
	msg  *log.Logger
	size int
	dflt string
	open func(path string) (io.WriteCloser, error)

	links map[LinkKey]*link
	order []*link // links in registration/creation order
	sinks map[string]*sink
	paths []string // destinations in opening order

	done  bool
	stats stats
}

type link struct {
	key  LinkKey
	reg  bool // whether the link was explicitly registered
	sink *sink

	buf   []byte // current page, header included
	nrec  uint16
	flags uint8
	ts    uint64 // timestamp of the first record of the page
	page  uint32 // page counter
}

type sink struct {
	path string
	w    io.WriteCloser
	n    int64 // bytes written
}

// NewWriter creates a new raw data writer.
func NewWriter(opts ...Option) (*Writer, error) {
	w := &Writer{
		msg:   log.New(os.Stdout, "raw: ", 0),
		size:  DefaultSuperPageSize,
		dflt:  "raw.raw",
		open:  createFile,
		links: make(map[LinkKey]*link),
		sinks: make(map[string]*sink),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.size < MinSuperPageSize || w.size > MaxSuperPageSize {
		return nil, fmt.Errorf(
			"raw: invalid superpage size %d (min=%d, max=%d)",
			w.size, MinSuperPageSize, MaxSuperPageSize,
		)
	}
	if w.dflt == "" {
		return nil, fmt.Errorf("raw: invalid default sink name")
	}

	return w, nil
}

// SuperPageSize returns the maximum size of a page.
func (w *Writer) SuperPageSize() int { return w.size }

// DefaultSink returns the destination of unregistered links.
func (w *Writer) DefaultSink() string { return w.dflt }

// RegisterLink binds the link identified by (fee, cru, lnk, ep) to the
// destination path.
// Links sharing a destination are multiplexed into the same stream.
func (w *Writer) RegisterLink(fee, cru uint16, lnk, ep uint8, path string) error {
	if w.done {
		return ErrFinalized
	}
	key := LinkKey{FEEID: fee, CRUID: cru, LinkID: lnk, EndPointID: ep}
	if l, dup := w.links[key]; dup {
		if l.sink.path != path {
			return fmt.Errorf(
				"raw: link %v already registered with %q (got=%q)",
				key, l.sink.path, path,
			)
		}
		return nil
	}

	dst, err := w.sink(path)
	if err != nil {
		return fmt.Errorf("raw: could not open destination of link %v: %w", key, err)
	}

	l := &link{key: key, reg: true, sink: dst}
	w.links[key] = l
	w.order = append(w.order, l)
	return nil
}

// IsRegistered returns whether the link was registered.
func (w *Writer) IsRegistered(key LinkKey) bool {
	l, ok := w.links[key]
	return ok && l.reg
}

// LinkPath returns the destination of the link.
func (w *Writer) LinkPath(key LinkKey) string {
	l, ok := w.links[key]
	if !ok || !l.reg {
		return w.dflt
	}
	return l.sink.path
}

// Links returns the keys of the registered links, in registration order.
func (w *Writer) Links() []LinkKey {
	keys := make([]LinkKey, 0, len(w.order))
	for _, l := range w.order {
		if !l.reg {
			continue
		}
		keys = append(keys, l.key)
	}
	return keys
}

func (w *Writer) sink(path string) (*sink, error) {
	if dst, ok := w.sinks[path]; ok {
		return dst, nil
	}
	f, err := w.open(path)
	if err != nil {
		return nil, fmt.Errorf("raw: could not open %q: %w", path, err)
	}
	dst := &sink{path: path, w: f}
	w.sinks[path] = dst
	w.paths = append(w.paths, path)
	return dst, nil
}

func (w *Writer) link(key LinkKey) (*link, error) {
	if l, ok := w.links[key]; ok {
		return l, nil
	}
	dst, err := w.sink(w.dflt)
	if err != nil {
		return nil, fmt.Errorf("raw: could not open default destination: %w", err)
	}
	w.msg.Printf("link %v not registered, writing to default sink %q", key, w.dflt)
	l := &link{key: key, sink: dst}
	w.links[key] = l
	w.order = append(w.order, l)
	return l, nil
}

// WriteToLink appends the payload p with timestamp ts to the current
// superpage of the link identified by key.
// A page that can not hold p, or already holds MaxRecords records, is
// flushed first. A payload larger than a
// page is split over consecutive pages.
func (w *Writer) WriteToLink(key LinkKey, ts uint64, p []byte) error {
	if w.done {
		return ErrFinalized
	}
	l, err := w.link(key)
	if err != nil {
		return err
	}

	const maxRec = 1<<32 - 1
	if int64(len(p)) > maxRec {
		return fmt.Errorf("raw: payload too big for link %v (size=%d)", key, len(p))
	}

	var (
		max = w.size - HeaderSize - RecordHeaderSize // room of an empty page
	)
	for {
		if l.nrec == MaxRecords {
			err = w.flush(l)
			if err != nil {
				return err
			}
		}
		room := w.size - len(l.buf) - RecordHeaderSize
		if l.buf == nil {
			room = max
		}
		switch {
		case len(p) <= room:
			l.append(w.size, ts, p)
			return nil

		case l.nrec > 0 && (len(p) <= max || room <= 0):
			// start a fresh page.
			err = w.flush(l)
			if err != nil {
				return err
			}

		default:
			l.append(w.size, ts, p[:room])
			l.flags |= FlagToBeContinued
			err = w.flush(l)
			if err != nil {
				return err
			}
			l.flags = FlagContinued
			p = p[room:]
		}
	}
}

func (l *link) append(size int, ts uint64, p []byte) {
	if l.buf == nil {
		l.buf = make([]byte, HeaderSize, size)
	}
	if l.nrec == 0 {
		l.ts = ts
	}
	var hdr [RecordHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(p)))
	binary.BigEndian.PutUint64(hdr[4:12], ts)
	l.buf = append(l.buf, hdr[:]...)
	l.buf = append(l.buf, p...)
	l.nrec++
}

// Flush flushes the current page of the link identified by key.
// Flushing a link without pending data is a no-op.
func (w *Writer) Flush(key LinkKey) error {
	l, ok := w.links[key]
	if !ok {
		return nil
	}
	return w.flush(l)
}

func (w *Writer) flush(l *link) error {
	if l.nrec == 0 {
		return nil
	}

	var (
		hdr     = l.buf[:HeaderSize]
		payload = l.buf[HeaderSize:]
	)
	hdr[0] = Version
	hdr[1] = HeaderSize
	binary.BigEndian.PutUint16(hdr[2:4], l.key.FEEID)
	binary.BigEndian.PutUint16(hdr[4:6], l.key.CRUID)
	hdr[6] = l.key.LinkID
	hdr[7] = l.key.EndPointID
	binary.BigEndian.PutUint32(hdr[8:12], l.page)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(payload)))
	binary.BigEndian.PutUint16(hdr[16:18], l.nrec)
	hdr[18] = l.flags
	hdr[19] = 0
	binary.BigEndian.PutUint64(hdr[20:28], l.ts)
	binary.BigEndian.PutUint16(hdr[28:30], crc16.Checksum(payload))
	binary.BigEndian.PutUint16(hdr[30:32], 0)

	n, err := l.sink.w.Write(l.buf)
	l.sink.n += int64(n)
	if err != nil {
		return fmt.Errorf("raw: could not write page %d of link %v to %q: %w",
			l.page, l.key, l.sink.path, err,
		)
	}
	w.stats.add(len(l.buf), w.size)

	l.buf = l.buf[:HeaderSize]
	l.nrec = 0
	l.flags = 0
	l.page++
	return nil
}

// Finalize flushes the pending data of every link and closes all the
// destinations.
// No data can be written after Finalize. Calling Finalize more than
// once is a no-op.
func (w *Writer) Finalize() error {
	if w.done {
		return nil
	}
	w.done = true

	var err error
	for _, l := range w.order {
		e := w.flush(l)
		if e != nil && err == nil {
			err = e
		}
	}

	var grp errgroup.Group
	for _, path := range w.paths {
		dst := w.sinks[path]
		grp.Go(func() error {
			err := dst.w.Close()
			if err != nil {
				return fmt.Errorf("raw: could not close %q: %w", dst.path, err)
			}
			return nil
		})
	}
	e := grp.Wait()
	if e != nil && err == nil {
		err = e
	}
	if err != nil {
		return err
	}

	st := w.Stats()
	w.msg.Printf(
		"wrote %d pages (%d bytes) to %d destinations (fill: mean=%.3f std=%.3f)",
		st.Pages, st.Bytes, len(w.paths), st.MeanFill, st.StdFill,
	)
	return nil
}

type fileSink struct {
	f *os.File
	w *bufio.Writer
}

func createFile(path string) (io.WriteCloser, error) {
	if dir := filepath.Dir(path); dir != "" {
		err := os.MkdirAll(dir, 0755)
		if err != nil {
			return nil, fmt.Errorf("could not create output directory %q: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f, w: bufio.NewWriter(f)}, nil
}

func (f *fileSink) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *fileSink) Close() error {
	err := f.w.Flush()
	if err != nil {
		_ = f.f.Close()
		return err
	}
	return f.f.Close()
}
