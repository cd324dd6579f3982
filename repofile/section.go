// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package repofile

import (
	"encoding/binary"
	"fmt"
	"os"
)

const (
	// sectionEntries is the fixed capacity of a section's block index and
	// the unit of file growth.
	sectionEntries   = 500
	sectionIndexSize = sectionEntries * entrySize
)

// sectionIndexPos returns the file position of section sec's index table.
// Section 0 sits right after the file header; every later section starts
// where the previous section's last block ends.  Sections before the last
// are always fully allocated, so the previous section's final entry is
// guaranteed to describe a real block.
func (r *Repository) sectionIndexPos(sec int) int64 {
	if sec == 0 {
		return fileHeaderSize
	}
	prev := &r.entries[sec*sectionEntries-1]
	return prev.Offset + int64(prev.Size)
}

// slotPos returns the file position of the index entry in the given arena
// slot.
func (r *Repository) slotPos(slot int) int64 {
	sec := slot / sectionEntries
	return r.sectionIndexPos(sec) + int64(slot%sectionEntries)*entrySize
}

// dataEnd returns the position one past the last byte the repository layout
// accounts for -- the end of the final allocated block, or the end of the
// final section's index table when that section holds no blocks yet.
func (r *Repository) dataEnd() int64 {
	lastBase := (r.sections - 1) * sectionEntries
	if r.allocated > lastBase {
		last := &r.entries[r.allocated-1]
		return last.Offset + int64(last.Size)
	}
	return r.sectionIndexPos(r.sections-1) + sectionIndexSize
}

// expectedOffset is where an entry's block must start given its arena slot:
// flush against the previous block, or right after the owning section's
// index table for the first entry of a section.
func (r *Repository) expectedOffset(slot int) int64 {
	if slot == 0 {
		return fileHeaderSize + sectionIndexSize
	}
	prev := &r.entries[slot-1]
	if slot%sectionEntries == 0 {
		return prev.Offset + int64(prev.Size) + sectionIndexSize
	}
	return prev.Offset + int64(prev.Size)
}

// scanIndex reads and validates every section's block index, returning the
// in-memory arena and the count of allocated entries (which, by the layout
// invariants, form a prefix of the arena).  Checks performed per the design:
// the offset chain, the all-unallocated suffix, and that unallocated entries
// appear only in the final section.
func scanIndex(f *os.File, ord binary.ByteOrder, sections int) (entries []Entry, allocated int, err error) {
	entries = make([]Entry, sections*sectionEntries)
	buf := make([]byte, sectionIndexSize)

	pos := int64(fileHeaderSize)
	inSuffix := false
	for sec := 0; sec < sections; sec++ {
		if _, err := f.ReadAt(buf, pos); err != nil {
			return nil, 0, fmt.Errorf("read section %d index at %d: %w", sec, pos, err)
		}
		base := sec * sectionEntries
		for i := 0; i < sectionEntries; i++ {
			slot := base + i
			e := &entries[slot]
			unmarshalEntry(e, buf[i*entrySize:(i+1)*entrySize], ord)

			if e.unallocated() {
				if sec != sections-1 {
					return nil, 0, fmt.Errorf("section %d entry %d: unallocated entry outside final section", sec, i)
				}
				inSuffix = true
				continue
			}
			if inSuffix {
				return nil, 0, fmt.Errorf("section %d entry %d: allocated entry after unallocated suffix began", sec, i)
			}
			if e.UID < uidUnallocated {
				return nil, 0, fmt.Errorf("section %d entry %d: malformed uid %d", sec, i, e.UID)
			}
			if e.Size < 0 || (e.occupied() && int64(e.Size) < blockTagSize) {
				return nil, 0, fmt.Errorf("section %d entry %d: malformed block size %d", sec, i, e.Size)
			}

			want := int64(fileHeaderSize + sectionIndexSize)
			if slot > 0 {
				prev := &entries[slot-1]
				want = prev.Offset + int64(prev.Size)
				if i == 0 {
					want += sectionIndexSize
				}
			}
			if e.Offset != want {
				return nil, 0, fmt.Errorf("section %d entry %d: offset chain broken (%d != %d)", sec, i, e.Offset, want)
			}
			allocated = slot + 1
		}
		if sec < sections-1 {
			// the next section's index table starts where this
			// section's last block ends
			last := &entries[base+sectionEntries-1]
			pos = last.Offset + int64(last.Size)
		}
	}
	return entries, allocated, nil
}

// writeSectionIndex rewrites one section's entire index table.
func (r *Repository) writeSectionIndex(f *os.File, sec int) error {
	buf := make([]byte, sectionIndexSize)
	base := sec * sectionEntries
	for i := 0; i < sectionEntries; i++ {
		marshalEntry(buf[i*entrySize:(i+1)*entrySize], &r.entries[base+i], r.ord)
	}
	if _, err := f.WriteAt(buf, r.sectionIndexPos(sec)); err != nil {
		return fmt.Errorf("write section %d index: %w", sec, err)
	}
	return nil
}

// emptySectionIndex returns the encoded index table of a section holding
// nothing but unallocated entries.
func emptySectionIndex(ord binary.ByteOrder) []byte {
	buf := make([]byte, sectionIndexSize)
	empty := Entry{UID: uidUnallocated}
	for i := 0; i < sectionEntries; i++ {
		marshalEntry(buf[i*entrySize:(i+1)*entrySize], &empty, ord)
	}
	return buf
}
