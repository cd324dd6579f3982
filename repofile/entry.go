// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package repofile

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Dataset format codes.  The format decides how the summary's dimensions map
// to a payload length: the ragged raster layout stores rows+cols samples,
// everything else stores rows*cols.
const (
	FormatPoints int32 = 1 // rows points of cols components each
	FormatGrid   int32 = 2 // rows x cols samples; aux = x origin, x step, y origin, y step
	FormatRaster int32 = 3 // ragged: rows row-lengths followed by cols samples
	FormatBounds int32 = 4 // rows x cols samples; aux = x min, x max, y min, y max
)

const (
	// UID sentinels for index entries that don't describe a dataset.
	uidUnallocated int32 = -1
	uidUnoccupied  int32 = 0

	entrySize  = 84
	identWidth = 40

	entryUIDOff    = 0
	entryOffsetOff = 4
	entrySizeOff   = 12
	entryIdentOff  = 16
	entryFormatOff = 56
	entryRowsOff   = 60
	entryColsOff   = 64
	entryAuxOff    = 68

	// Every block starts with a redundant copy of its dataset's UID.
	blockTagSize = 4
	sampleSize   = 4
)

// Summary is the fixed-size description of a dataset carried by its index
// entry: identifier, format code, two dimensions and up to four auxiliary
// parameters (sample step, origin, or coordinate-range bounds, depending on
// the format).
type Summary struct {
	Ident  string
	Format int32
	Rows   int32
	Cols   int32
	Aux    [4]float32
}

// SampleCount returns the number of float samples a payload with this
// summary holds.
func (s *Summary) SampleCount() int {
	if s.Format == FormatRaster {
		return int(s.Rows) + int(s.Cols)
	}
	return int(s.Rows) * int(s.Cols)
}

func (s *Summary) payloadBytes() int64 {
	return blockTagSize + sampleSize*int64(s.SampleCount())
}

// validIdent reports whether ident fits the on-disk identifier field:
// 1 to 40 printable ASCII characters.
func validIdent(ident string) bool {
	if len(ident) == 0 || len(ident) > identWidth {
		return false
	}
	for i := 0; i < len(ident); i++ {
		if ident[i] < 0x20 || ident[i] > 0x7e {
			return false
		}
	}
	return true
}

// Entry is one slot of a section's block index.  UID is a tri-state tag:
// uidUnallocated means no block exists, uidUnoccupied means the block exists
// but is free for reuse (offset and size remain meaningful, the summary is
// stale), and a positive UID means the block holds that dataset.
type Entry struct {
	UID     int32
	Offset  int64
	Size    int32
	Summary Summary
}

func (e *Entry) occupied() bool    { return e.UID > 0 }
func (e *Entry) unoccupied() bool  { return e.UID == uidUnoccupied }
func (e *Entry) unallocated() bool { return e.UID == uidUnallocated }

func marshalEntry(dst []byte, e *Entry, ord binary.ByteOrder) {
	_ = dst[entrySize-1]
	ord.PutUint32(dst[entryUIDOff:], uint32(e.UID))
	ord.PutUint64(dst[entryOffsetOff:], uint64(e.Offset))
	ord.PutUint32(dst[entrySizeOff:], uint32(e.Size))

	ident := dst[entryIdentOff : entryIdentOff+identWidth]
	n := copy(ident, e.Summary.Ident)
	for i := n; i < identWidth; i++ {
		ident[i] = 0
	}

	ord.PutUint32(dst[entryFormatOff:], uint32(e.Summary.Format))
	ord.PutUint32(dst[entryRowsOff:], uint32(e.Summary.Rows))
	ord.PutUint32(dst[entryColsOff:], uint32(e.Summary.Cols))
	for i, v := range e.Summary.Aux {
		ord.PutUint32(dst[entryAuxOff+4*i:], math.Float32bits(v))
	}
}

func unmarshalEntry(e *Entry, src []byte, ord binary.ByteOrder) {
	_ = src[entrySize-1]
	e.UID = int32(ord.Uint32(src[entryUIDOff:]))
	e.Offset = int64(ord.Uint64(src[entryOffsetOff:]))
	e.Size = int32(ord.Uint32(src[entrySizeOff:]))

	ident := src[entryIdentOff : entryIdentOff+identWidth]
	if i := bytes.IndexByte(ident, 0); i >= 0 {
		ident = ident[:i]
	}
	e.Summary.Ident = string(ident)

	e.Summary.Format = int32(ord.Uint32(src[entryFormatOff:]))
	e.Summary.Rows = int32(ord.Uint32(src[entryRowsOff:]))
	e.Summary.Cols = int32(ord.Uint32(src[entryColsOff:]))
	for i := range e.Summary.Aux {
		e.Summary.Aux[i] = math.Float32frombits(ord.Uint32(src[entryAuxOff+4*i:]))
	}
}

// marshalIdent encodes just the NUL-padded identifier field, for rewriting
// it in place.
func marshalIdent(dst []byte, ident string) {
	_ = dst[identWidth-1]
	n := copy(dst, ident)
	for i := n; i < identWidth; i++ {
		dst[i] = 0
	}
}
