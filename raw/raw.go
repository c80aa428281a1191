// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package raw holds types and functions to write and read CRU raw data
// files made of superpages.
//
// A raw data stream is a sequence of pages. Each page carries data of
// a single link and starts with a fixed size header:
//
//	offset size field
//	     0    1 version
//	     1    1 header size (32)
//	     2    2 FEE id
//	     4    2 CRU id
//	     6    1 link id (in CRU)
//	     7    1 end-point id
//	     8    4 page counter (per link)
//	    12    4 payload size
//	    16    2 number of records
//	    18    1 flags
//	    19    1 reserved
//	    20    8 timestamp of the first record
//	    28    2 CRC-16 of the payload
//	    30    2 reserved
//
// The payload is a sequence of records: a 4 bytes length, an 8 bytes
// timestamp and the record data.
// All fields are big-endian.
package raw // import "github.com/sviraaj/AliceO2/raw"

import (
	"errors"
	"fmt"
)

const (
	Version = 1 // version of the page format

	HeaderSize       = 32 // size of a page header
	RecordHeaderSize = 12 // size of a record header

	// DefaultSuperPageSize is the default maximum size of a page.
	DefaultSuperPageSize = 1024 * 1024

	// MinSuperPageSize is the minimum size of a page.
	MinSuperPageSize = 256

	// MaxSuperPageSize is the maximum size of a page.
	MaxSuperPageSize = 256 * 1024 * 1024

	// MaxRecords is the maximum number of records in a page.
	MaxRecords = 1<<16 - 1
)

// Page flags.
const (
	// FlagContinued marks a page whose first record continues the last
	// record of the previous page of the same link.
	FlagContinued = 1 << 0

	// FlagToBeContinued marks a page whose last record continues on the
	// next page of the same link.
	FlagToBeContinued = 1 << 1
)

var (
	// ErrFinalized is returned when writing to a finalized writer.
	ErrFinalized = errors.New("raw: writer finalized")
)

// LinkKey identifies a link destination.
type LinkKey struct {
	FEEID      uint16
	CRUID      uint16
	LinkID     uint8 // link index in the CRU
	EndPointID uint8
}

func (key LinkKey) String() string {
	return fmt.Sprintf("FEE=0x%04x CRU=%d link=%d ep=%d",
		key.FEEID, key.CRUID, key.LinkID, key.EndPointID,
	)
}

// PageHeader is the header of a page.
type PageHeader struct {
	Version     uint8
	Size        uint8 // header size
	Link        LinkKey
	PageCounter uint32
	PayloadSize uint32
	NRecords    uint16
	Flags       uint8
	Timestamp   uint64
	CRC         uint16
}

// Record is one payload pushed to a link.
type Record struct {
	Timestamp uint64
	Data      []byte
}

// Page is a decoded page.
type Page struct {
	Header  PageHeader
	Records []Record
}
