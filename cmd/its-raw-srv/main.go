// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command its-raw-srv starts a TDAQ server streaming the superpages of
// ITS raw data files.
//
// Usage: its-raw-srv [TDAQ-OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Pages are sent one per frame on the /raw output port, in file order.
// Once all the pages have been sent, the server idles until /stop.
// A /reset reloads the files and is refused while pages are being sent.
package main // import "github.com/sviraaj/AliceO2/cmd/its-raw-srv"

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/sviraaj/AliceO2/internal/mmap"
	"github.com/sviraaj/AliceO2/raw"
)

func main() {
	cmd := flags.New()
	if len(cmd.Args) == 0 {
		log.Fatalf("missing path to input raw file")
	}

	dev := newServer(cmd.Args)

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.OutputHandle("/raw", dev.raw)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

var errRunning = errors.New("its-raw-srv: pages are being sent")

type server struct {
	fnames []string
	data   chan []byte

	mu      sync.Mutex
	running bool // whether the run loop is sending pages
	files   []*mmap.Handle
	pages   [][]byte // pages of all the files, in file order
	n       int      // number of sent pages
}

func newServer(fnames []string) *server {
	return &server{
		fnames: fnames,
		data:   make(chan []byte, 1024),
	}
}

func (dev *server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	return nil
}

func (dev *server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := dev.load()
	if err != nil {
		ctx.Msg.Errorf("could not load raw files: %+v", err)
		return err
	}
	dev.mu.Lock()
	ctx.Msg.Infof("loaded %d pages from %d files", len(dev.pages), len(dev.files))
	dev.mu.Unlock()
	return nil
}

func (dev *server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	err := dev.load()
	if err != nil {
		ctx.Msg.Errorf("could not reload raw files: %+v", err)
		return err
	}
	return nil
}

func (dev *server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	return nil
}

func (dev *server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	dev.mu.Lock()
	n, tot := dev.n, len(dev.pages)
	dev.mu.Unlock()
	ctx.Msg.Debugf("received /stop command... -> n=%d/%d", n, tot)
	return nil
}

func (dev *server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return dev.close()
}

// load memory-maps the input files and splits them into pages.
// Files can not be reloaded while pages are being sent.
func (dev *server) load() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.running {
		return errRunning
	}
	err := dev.unload()
	if err != nil {
		return err
	}

	for _, fname := range dev.fnames {
		h, err := mmap.Open(fname)
		if err != nil {
			return err
		}
		dev.files = append(dev.files, h)

		pages, err := raw.Split(h.Bytes())
		if err != nil {
			return fmt.Errorf("could not split %q: %w", fname, err)
		}
		dev.pages = append(dev.pages, pages...)
	}

	dev.n = 0
	for {
		select {
		case <-dev.data:
		default:
			return nil
		}
	}
}

func (dev *server) close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.unload()
}

func (dev *server) unload() error {
	var err error
	for _, h := range dev.files {
		e := h.Close()
		if e != nil && err == nil {
			err = e
		}
	}
	dev.files = dev.files[:0]
	dev.pages = dev.pages[:0]
	return err
}

func (dev *server) raw(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-dev.data:
		dst.Body = data
	}
	return nil
}

func (dev *server) run(ctx tdaq.Context) error {
	return dev.feed(ctx.Ctx)
}

// feed pushes the pages that were not yet sent to the output channel.
func (dev *server) feed(ctx context.Context) error {
	dev.setRunning(true)
	defer dev.setRunning(false)

	for {
		page, ok := dev.next()
		if !ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case dev.data <- page:
			dev.mu.Lock()
			dev.n++
			dev.mu.Unlock()
		}
	}
	<-ctx.Done()
	return nil
}

func (dev *server) setRunning(v bool) {
	dev.mu.Lock()
	dev.running = v
	dev.mu.Unlock()
}

// next returns a copy of the next page to send.
// Pages are copied as the mappings are released on /quit.
func (dev *server) next() ([]byte, bool) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.n >= len(dev.pages) {
		return nil, false
	}
	return append([]byte(nil), dev.pages[dev.n]...), true
}
