// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package itsmft

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/sviraaj/AliceO2/raw"
)

var (
	// ErrFrameOrder is returned for frames whose timestamp does not
	// follow the previous one.
	ErrFrameOrder = errors.New("itsmft: frames out of order")

	// ErrFinalized is returned when feeding a finalized encoder.
	ErrFinalized = errors.New("itsmft: encoder finalized")
)

// State is the state of an Encoder.
type State uint8

const (
	Idle       State = iota // created, no link set up
	Configured              // links set up
	Streaming               // encoding frames
	Finalized               // output flushed and closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configured:
		return "configured"
	case Streaming:
		return "streaming"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithRURange restricts the encoding to the RUs in [min, max].
func WithRURange(min, max int) Option {
	return func(enc *Encoder) {
		enc.min = min
		enc.max = max
	}
}

// WithContinuous sets the readout mode.
func WithContinuous(v bool) Option {
	return func(enc *Encoder) {
		enc.cont = v
	}
}

// WithVerbosity sets the verbosity level.
func WithVerbosity(lvl int) Option {
	return func(enc *Encoder) {
		enc.verbose = lvl
	}
}

// WithLogger sets the logger of the encoder.
func WithLogger(msg *log.Logger) Option {
	return func(enc *Encoder) {
		enc.msg = msg
	}
}

// EncoderStats holds the counters of an Encoder.
type EncoderStats struct {
	Frames      int // frames processed
	Empty       int // empty frames skipped
	Digits      int // digits encoded
	Filtered    int // digits of RUs outside the accepted range
	Uncovered   int // digits on lanes not served by any link
	DefaultLink int // RUs read out through a default link
	Payloads    int // link payloads sent to the writer
}

// Encoder converts read-out frames of digits into link payloads and
// pushes them to a raw data writer.
type Encoder struct {
	msg     *log.Logger
	m       *Mapping
	w       *raw.Writer
	reg     *Registry
	min     int
	max     int
	cont    bool
	verbose int

	state State
	seen  bool   // whether a frame was already processed
	last  uint64 // timestamp of the last frame

	hits    [][]hit // per-RU hits of the current frame
	touched []bool
	buf     []byte
	stats   EncoderStats
}

// NewEncoder creates an encoder for the detector described by m,
// writing to w.
func NewEncoder(m *Mapping, w *raw.Writer, opts ...Option) (*Encoder, error) {
	enc := &Encoder{
		msg: log.New(os.Stdout, "itsmft: ", 0),
		m:   m,
		w:   w,
		min: 0,
		max: m.NRUs() - 1,
	}
	for _, opt := range opts {
		opt(enc)
	}

	if enc.min < 0 || enc.min > enc.max {
		return nil, fmt.Errorf("itsmft: invalid RU range [%d, %d]", enc.min, enc.max)
	}
	if enc.max >= m.NRUs() {
		enc.max = m.NRUs() - 1
	}

	enc.reg = NewRegistry(m, enc.min, enc.max)
	enc.hits = make([][]hit, m.NRUs())
	enc.touched = make([]bool, m.NRUs())
	return enc, nil
}

// Mapping returns the mapping of the encoder.
func (enc *Encoder) Mapping() *Mapping { return enc.m }

// Writer returns the raw data writer of the encoder.
func (enc *Encoder) Writer() *raw.Writer { return enc.w }

// Registry returns the RU containers of the encoder.
func (enc *Encoder) Registry() *Registry { return enc.reg }

// RURange returns the range of accepted RUs.
func (enc *Encoder) RURange() (min, max int) { return enc.min, enc.max }

// Continuous returns whether the encoder runs in continuous readout mode.
func (enc *Encoder) Continuous() bool { return enc.cont }

// Verbosity returns the verbosity level.
func (enc *Encoder) Verbosity() int { return enc.verbose }

// State returns the current state of the encoder.
func (enc *Encoder) State() State { return enc.state }

// Stats returns the counters of the encoder.
func (enc *Encoder) Stats() EncoderStats { return enc.stats }

// Digits2Raw encodes the digits of a read-out frame and pushes the
// payload of every touched RU to its links.
// Frames must be fed with strictly increasing timestamps.
// Empty frames produce no output.
func (enc *Encoder) Digits2Raw(frame Frame) error {
	if enc.state == Finalized {
		return ErrFinalized
	}
	if enc.seen && frame.Timestamp <= enc.last {
		return fmt.Errorf(
			"%w: ROF %d timestamp %d after %d",
			ErrFrameOrder, frame.ROF, frame.Timestamp, enc.last,
		)
	}
	enc.seen = true
	enc.last = frame.Timestamp
	enc.state = Streaming
	enc.stats.Frames++

	if enc.verbose > 0 {
		enc.msg.Printf("processing ROF %d (ts=%d) with %d digits", frame.ROF, frame.Timestamp, len(frame.Digits))
	}
	if len(frame.Digits) == 0 {
		enc.stats.Empty++
		if enc.verbose > 0 {
			enc.msg.Printf("empty frame (ROF %d)", frame.ROF)
		}
		return nil
	}

	defer enc.reset()
	for i, dig := range frame.Digits {
		ru, lane, inRU, err := enc.m.ChipOnRU(int(dig.Chip))
		if err != nil {
			return fmt.Errorf("itsmft: invalid digit %d of ROF %d: %w", i, frame.ROF, err)
		}
		if dig.Row >= NRows || dig.Col >= NCols {
			return fmt.Errorf(
				"itsmft: invalid digit %d of ROF %d: pixel (%d, %d) out of chip",
				i, frame.ROF, dig.Row, dig.Col,
			)
		}
		if !enc.reg.Accepts(ru) {
			enc.stats.Filtered++
			continue
		}
		enc.touched[ru] = true
		enc.hits[ru] = append(enc.hits[ru], hit{
			inRU: uint8(inRU),
			lane: uint8(lane),
			addr: Pixel{Row: dig.Row, Col: dig.Col}.addr(),
		})
	}

	bc := uint16(frame.Timestamp % LHCMaxBunches)
	for ru, ok := range enc.touched {
		if !ok {
			continue
		}
		err := enc.encodeRU(ru, frame.Timestamp, bc)
		if err != nil {
			return fmt.Errorf("itsmft: could not encode RU %d of ROF %d: %w", ru, frame.ROF, err)
		}
	}
	return nil
}

func (enc *Encoder) encodeRU(ru int, ts uint64, bc uint16) error {
	rud, err := enc.reg.GetCreateRUDecode(ru)
	if err != nil {
		return err
	}
	if rud.NLinks() == 0 {
		rud.Links[0] = enc.defaultLink(rud)
	}

	hits := sortHits(enc.hits[ru])
	enc.hits[ru] = hits

	var covered uint32
	for _, lnk := range rud.Links {
		if lnk != nil {
			covered |= lnk.Lanes
		}
	}
	for _, h := range hits {
		if covered&(1<<h.lane) == 0 {
			enc.stats.Uncovered++
			continue
		}
		enc.stats.Digits++
	}

	for _, lnk := range rud.Links {
		if lnk == nil {
			continue
		}
		enc.buf = appendPacket(enc.buf[:0], lnk, hits, bc, enc.cont)
		err = enc.w.WriteToLink(lnk.Key(), ts, enc.buf)
		if err != nil {
			return err
		}
		enc.stats.Payloads++
	}
	return nil
}

// defaultLink creates a single link reading all the lanes of a RU
// that was not set up. Its data go to the default sink of the writer.
func (enc *Encoder) defaultLink(rud *RUDecode) *GBTLink {
	lnk := &GBTLink{
		Lanes: enc.m.CablesOnRUType(rud.Info.Type),
		FEEID: enc.m.RUSW2FEEId(rud.ID, 0),
	}
	enc.stats.DefaultLink++
	if enc.verbose > 0 {
		enc.msg.Printf("RU%d has no link, using default %s", rud.ID, lnk.Describe())
	}
	return lnk
}

func (enc *Encoder) reset() {
	for ru, ok := range enc.touched {
		if !ok {
			continue
		}
		enc.touched[ru] = false
		enc.hits[ru] = enc.hits[ru][:0]
	}
}

// Process encodes all the frames yielded by src.
func (enc *Encoder) Process(src FrameSource) error {
	for src.Next() {
		err := enc.Digits2Raw(src.Frame())
		if err != nil {
			return err
		}
	}
	err := src.Err()
	if err != nil {
		return fmt.Errorf("itsmft: could not read frames: %w", err)
	}
	return nil
}

// Finalize flushes and closes the output of the encoder.
// Calling Finalize more than once is a no-op.
func (enc *Encoder) Finalize() error {
	if enc.state == Finalized {
		return nil
	}
	enc.state = Finalized

	err := enc.w.Finalize()
	if err != nil {
		return fmt.Errorf("itsmft: could not finalize writer: %w", err)
	}

	st := enc.stats
	enc.msg.Printf(
		"encoded %d digits from %d frames (empty=%d, filtered=%d, uncovered=%d, payloads=%d)",
		st.Digits, st.Frames, st.Empty, st.Filtered, st.Uncovered, st.Payloads,
	)
	return nil
}
