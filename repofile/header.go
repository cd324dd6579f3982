// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package repofile

import (
	"encoding/binary"
	"fmt"
)

const (
	// TagData marks an ordinary dataset repository ('DSET').
	TagData uint32 = 0x44534554
	// TagWork marks a scratch/working repository ('DSWK').  Same layout,
	// different flavor so tools don't mix the two up.
	TagWork uint32 = 0x4453574B

	fileHeaderSize = 8

	headerTagOff      = 0
	headerSectionsOff = 4
)

func knownTag(tag uint32) bool {
	return tag == TagData || tag == TagWork
}

// detectHeader decodes the 8-byte file header.  The tag doubles as a byte
// order probe: it is first interpreted in little-endian order (the order new
// files are written in) and then in big-endian order.  Whichever order yields
// a known tag is adopted for every subsequent read and write of the file.
// Matching neither is structural corruption.
func detectHeader(b []byte) (ord binary.ByteOrder, tag uint32, sections uint32, err error) {
	if len(b) < fileHeaderSize {
		return nil, 0, 0, fmt.Errorf("header too short: %d < %d", len(b), fileHeaderSize)
	}
	for _, candidate := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		tag = candidate.Uint32(b[headerTagOff : headerTagOff+4])
		if knownTag(tag) {
			sections = candidate.Uint32(b[headerSectionsOff : headerSectionsOff+4])
			return candidate, tag, sections, nil
		}
	}
	return nil, 0, 0, fmt.Errorf("bad tag on repository file (%x) -- not a dataset repository or corrupted", b[:4])
}

func marshalHeader(dst []byte, ord binary.ByteOrder, tag, sections uint32) {
	ord.PutUint32(dst[headerTagOff:headerTagOff+4], tag)
	ord.PutUint32(dst[headerSectionsOff:headerSectionsOff+4], sections)
}
