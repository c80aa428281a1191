// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package itsmft

// Pixel matrix of an ALPIDE chip.
const (
	NRows = 512
	NCols = 1024
)

// Digit is a fired pixel of a chip.
type Digit struct {
	Chip   uint16 // global chip index
	Row    uint16
	Col    uint16
	Charge int32
}

// Frame is a read-out frame: the digits collected during one time slice.
type Frame struct {
	ROF       uint32 // read-out frame counter
	Timestamp uint64 // bunch-crossing time of the frame
	Digits    []Digit
}

// FrameSource yields read-out frames in time order.
type FrameSource interface {
	Next() bool
	Frame() Frame
	Err() error
}

// FrameSlice is a FrameSource over an in-memory slice of frames.
type FrameSlice struct {
	frames []Frame
	cur    int
}

// NewFrameSlice returns a FrameSource iterating over frames.
func NewFrameSlice(frames []Frame) *FrameSlice {
	return &FrameSlice{frames: frames, cur: -1}
}

func (fs *FrameSlice) Next() bool {
	if fs.cur+1 >= len(fs.frames) {
		return false
	}
	fs.cur++
	return true
}

func (fs *FrameSlice) Frame() Frame { return fs.frames[fs.cur] }
func (fs *FrameSlice) Err() error   { return nil }
