// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package repofile

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectHeader_LittleEndian(t *testing.T) {
	var b [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(b[:4], TagData)
	binary.LittleEndian.PutUint32(b[4:], 3)

	ord, tag, sections, err := detectHeader(b[:])
	require.NoError(t, err)
	assert.Equal(t, binary.LittleEndian, ord)
	assert.Equal(t, TagData, tag)
	assert.Equal(t, uint32(3), sections)
}

func TestDetectHeader_BigEndian(t *testing.T) {
	var b [fileHeaderSize]byte
	binary.BigEndian.PutUint32(b[:4], TagWork)
	binary.BigEndian.PutUint32(b[4:], 7)

	ord, tag, sections, err := detectHeader(b[:])
	require.NoError(t, err)
	assert.Equal(t, binary.BigEndian, ord)
	assert.Equal(t, TagWork, tag)
	assert.Equal(t, uint32(7), sections)
}

func TestDetectHeader_BothFlavors(t *testing.T) {
	for _, tag := range []uint32{TagData, TagWork} {
		for _, ord := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
			var b [fileHeaderSize]byte
			ord.PutUint32(b[:4], tag)
			ord.PutUint32(b[4:], 1)

			gotOrd, gotTag, sections, err := detectHeader(b[:])
			require.NoError(t, err)
			assert.Equal(t, ord, gotOrd)
			assert.Equal(t, tag, gotTag)
			assert.Equal(t, uint32(1), sections)
		}
	}
}

func TestDetectHeader_Garbage(t *testing.T) {
	b := []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 1}
	_, _, _, err := detectHeader(b)
	assert.Error(t, err)

	// too short
	_, _, _, err = detectHeader(b[:4])
	assert.Error(t, err)
}

func TestMarshalHeaderRoundTrip(t *testing.T) {
	var b [fileHeaderSize]byte
	marshalHeader(b[:], binary.BigEndian, TagData, 12)

	ord, tag, sections, err := detectHeader(b[:])
	require.NoError(t, err)
	assert.Equal(t, binary.BigEndian, ord)
	assert.Equal(t, TagData, tag)
	assert.Equal(t, uint32(12), sections)
}
