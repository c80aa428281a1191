// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package raw

import (
	"gonum.org/v1/gonum/stat"
)

// Stats summarizes the pages flushed by a Writer.
type Stats struct {
	Pages    int
	Bytes    int64
	MeanFill float64 // mean fraction of the superpage size used by a page
	StdFill  float64
}

type stats struct {
	bytes int64
	fill  []float64
}

func (st *stats) add(n, size int) {
	st.bytes += int64(n)
	st.fill = append(st.fill, float64(n)/float64(size))
}

// Stats returns statistics about the pages flushed so far.
func (w *Writer) Stats() Stats {
	st := Stats{
		Pages: len(w.stats.fill),
		Bytes: w.stats.bytes,
	}
	switch len(w.stats.fill) {
	case 0:
	case 1:
		st.MeanFill = w.stats.fill[0]
	default:
		st.MeanFill, st.StdFill = stat.MeanStdDev(w.stats.fill, nil)
	}
	return st
}
