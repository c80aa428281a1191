// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xcnv provides tools to convert ITS digit frames to/from LCIO.
//
// Each read-out frame is stored as an LCIO event. Its digits are held
// by the GenericObject collection named DigitCollection, as int32
// quadruples (chip, row, column, charge).
package xcnv // import "github.com/sviraaj/AliceO2/internal/xcnv"

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/sviraaj/AliceO2/itsmft"
	"go-hep.org/x/hep/lcio"
)

const (
	// DigitCollection is the name of the collection holding digits.
	DigitCollection = "ITSDigit"

	detName = "ITS"
)

var (
	// ErrNoDigits is returned when an event has no digit collection.
	ErrNoDigits = errors.New("xcnv: no digit collection")
)

// WriteFrames writes frames as LCIO events of run run.
// The run header is written before the first frame.
func WriteFrames(w *lcio.Writer, run int32, frames []itsmft.Frame, msg *log.Logger) error {
	raw := &lcio.GenericObject{
		Data: []lcio.GenericObjectData{
			{I32s: nil},
		},
	}

	err := w.WriteRunHeader(&lcio.RunHeader{
		RunNumber: run,
		Detector:  detName,
		Descr:     "ITS digits",
		Params: lcio.Params{
			Ints: map[string][]int32{
				"NRows": {itsmft.NRows},
				"NCols": {itsmft.NCols},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("xcnv: could not write run header: %w", err)
	}

	for i, frame := range frames {
		if i%1000 == 0 {
			msg.Printf("processing frame %d...", i)
		}
		evt := lcio.Event{
			RunNumber:   run,
			EventNumber: int32(frame.ROF),
			TimeStamp:   int64(frame.Timestamp),
			Detector:    detName,
		}
		raw.Data[0].I32s = i32sFrom(raw.Data[0].I32s[:0], frame.Digits)
		evt.Add(DigitCollection, raw)

		err = w.WriteEvent(&evt)
		if err != nil {
			return fmt.Errorf("xcnv: could not write frame %d: %w", frame.ROF, err)
		}
	}

	return nil
}

func i32sFrom(dst []int32, digits []itsmft.Digit) []int32 {
	for _, dig := range digits {
		dst = append(dst, int32(dig.Chip), int32(dig.Row), int32(dig.Col), dig.Charge)
	}
	return dst
}

// FrameReader reads frames from an LCIO stream.
// FrameReader implements itsmft.FrameSource.
type FrameReader struct {
	r     *lcio.Reader
	frame itsmft.Frame
	err   error
}

// NewFrameReader returns a frame reader over r.
func NewFrameReader(r *lcio.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// RunHeader returns the run header of the stream.
func (fr *FrameReader) RunHeader() lcio.RunHeader { return fr.r.RunHeader() }

// Next loads the next frame.
func (fr *FrameReader) Next() bool {
	if fr.err != nil {
		return false
	}
	if !fr.r.Next() {
		err := fr.r.Err()
		if err != nil && !errors.Is(err, io.EOF) {
			fr.err = fmt.Errorf("xcnv: could not read LCIO stream: %w", err)
		}
		return false
	}

	evt := fr.r.Event()
	frame, err := frameFrom(&evt)
	if err != nil {
		fr.err = err
		return false
	}
	fr.frame = frame
	return true
}

// Frame returns the current frame.
func (fr *FrameReader) Frame() itsmft.Frame { return fr.frame }

// Err returns the first error encountered while reading frames.
func (fr *FrameReader) Err() error { return fr.err }

func frameFrom(evt *lcio.Event) (itsmft.Frame, error) {
	frame := itsmft.Frame{
		ROF:       uint32(evt.EventNumber),
		Timestamp: uint64(evt.TimeStamp),
	}

	v := evt.Get(DigitCollection)
	if v == nil {
		return frame, fmt.Errorf("%w in event %d", ErrNoDigits, evt.EventNumber)
	}
	coll, ok := v.(*lcio.GenericObject)
	if !ok || len(coll.Data) != 1 {
		return frame, fmt.Errorf("xcnv: invalid digit collection in event %d", evt.EventNumber)
	}

	raw := coll.Data[0].I32s
	if len(raw)%4 != 0 {
		return frame, fmt.Errorf(
			"xcnv: invalid digit collection size %d in event %d",
			len(raw), evt.EventNumber,
		)
	}
	if len(raw) == 0 {
		return frame, nil
	}
	frame.Digits = make([]itsmft.Digit, len(raw)/4)
	for i := range frame.Digits {
		v := raw[4*i : 4*i+4]
		frame.Digits[i] = itsmft.Digit{
			Chip:   uint16(v[0]),
			Row:    uint16(v[1]),
			Col:    uint16(v[2]),
			Charge: v[3],
		}
	}
	return frame, nil
}

var _ itsmft.FrameSource = (*FrameReader)(nil)
