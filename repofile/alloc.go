// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package repofile

import (
	"fmt"
	"math"
	"os"
)

// allocate picks the arena slot for a new block of `need` bytes, in order of
// increasing cost: first-fit reuse of an unoccupied block, a fresh block in
// the first unallocated slot, coalescing the last section and retrying, and
// finally growing the file by a section.  First fit deliberately trades
// packing density for search cost; oversized reuse leaves slack that
// coalescing or compaction recovers later.
//
// fresh=true means the slot has no block yet: the caller allocates at the
// end of the file with size exactly `need`.
func (r *Repository) allocate(f *os.File, need int64) (slot int, fresh bool, err error) {
	// a table where every entry holds a dataset can only grow
	if r.allocated == len(r.entries) && len(r.dir) == r.allocated {
		if err := r.grow(f); err != nil {
			return 0, false, err
		}
	}

	if slot := r.findUnoccupied(need); slot >= 0 {
		return slot, false, nil
	}
	if r.allocated < len(r.entries) {
		return r.allocated, true, nil
	}

	changed, err := r.coalesce(f)
	if err != nil {
		return 0, false, err
	}
	if changed {
		if slot := r.findUnoccupied(need); slot >= 0 {
			return slot, false, nil
		}
		if r.allocated < len(r.entries) {
			return r.allocated, true, nil
		}
	}

	if err := r.grow(f); err != nil {
		return 0, false, err
	}
	return r.allocated, true, nil
}

// findUnoccupied returns the first unoccupied entry whose block holds at
// least `need` bytes, or -1.
func (r *Repository) findUnoccupied(need int64) int {
	for i := 0; i < r.allocated; i++ {
		e := &r.entries[i]
		if e.unoccupied() && int64(e.Size) >= need {
			return i
		}
	}
	return -1
}

// grow appends one section of unallocated entries.  The new index table is
// written before the header's section count so a failure in between leaves
// the file readable under its old geometry.
func (r *Repository) grow(f *os.File) error {
	pos := r.dataEnd()
	if _, err := f.WriteAt(emptySectionIndex(r.ord), pos); err != nil {
		return r.fail(fmt.Errorf("write section %d index at %d: %w", r.sections, pos, err))
	}
	var hdr [fileHeaderSize]byte
	marshalHeader(hdr[:], r.ord, r.tag, uint32(r.sections+1))
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return r.fail(fmt.Errorf("update header section count: %w", err))
	}
	if err := f.Sync(); err != nil {
		return r.fail(fmt.Errorf("sync: %w", err))
	}

	grown := make([]Entry, sectionEntries)
	for i := range grown {
		grown[i].UID = uidUnallocated
	}
	r.entries = append(r.entries, grown...)
	r.sections++
	r.logger.Debug("grew repository", "path", r.path, "sections", r.sections)
	return nil
}

// coalesceRuns merges runs of consecutive unoccupied entries into single
// entries whose sizes sum, never letting a merged size exceed maxSize: a run
// that would overflow is closed early and a new one started.  merged reports
// whether any two entries actually combined.
func coalesceRuns(in []Entry, maxSize int64) (out []Entry, merged bool) {
	out = make([]Entry, 0, len(in))
	for i := 0; i < len(in); {
		if !in[i].unoccupied() {
			out = append(out, in[i])
			i++
			continue
		}
		run := in[i]
		run.Summary = Summary{}
		j := i + 1
		for j < len(in) && in[j].unoccupied() && int64(run.Size)+int64(in[j].Size) <= maxSize {
			run.Size += in[j].Size
			merged = true
			j++
		}
		out = append(out, run)
		i = j
	}
	return out, merged
}

// coalesce reclaims space in the final section, the only one that may hold
// unallocated entries.  The general case merges adjacent unoccupied blocks
// and rewrites just that section's index.  If nothing merges but the very
// last block is unoccupied, the file is instead shrunk by truncating that
// block -- the only point outside Compact where the file gets smaller.  The
// two paths are deliberately distinct; their postconditions differ.
func (r *Repository) coalesce(f *os.File) (bool, error) {
	sec := r.sections - 1
	base := sec * sectionEntries
	if r.allocated <= base {
		return false, nil
	}

	out, mergedAny := coalesceRuns(r.entries[base:r.allocated], math.MaxInt32)
	if mergedAny {
		// the mirror may lead the disk write here: a failed write
		// poisons the handle, so the stale mirror never serves
		// another request
		copy(r.entries[base:], out)
		for i := base + len(out); i < base+sectionEntries; i++ {
			r.entries[i] = Entry{UID: uidUnallocated}
		}
		r.allocated = base + len(out)
		for i, e := range out {
			if e.occupied() {
				r.dir[e.UID] = base + i
			}
		}
		if err := r.writeSectionIndex(f, sec); err != nil {
			return false, r.fail(err)
		}
		if err := f.Sync(); err != nil {
			return false, r.fail(fmt.Errorf("sync: %w", err))
		}
		r.logger.Debug("coalesced last section", "path", r.path, "entries", len(out))
		return true, nil
	}

	last := r.entries[r.allocated-1]
	if !last.unoccupied() {
		return false, nil
	}
	// trailing free block: give the bytes back to the filesystem
	slot := r.allocated - 1
	empty := Entry{UID: uidUnallocated}
	var entryBuf [entrySize]byte
	marshalEntry(entryBuf[:], &empty, r.ord)
	if _, err := f.WriteAt(entryBuf[:], r.slotPos(slot)); err != nil {
		return false, r.fail(fmt.Errorf("clear trailing entry: %w", err))
	}
	if err := f.Sync(); err != nil {
		return false, r.fail(fmt.Errorf("sync: %w", err))
	}
	if err := f.Truncate(last.Offset); err != nil {
		return false, r.fail(fmt.Errorf("truncate to %d: %w", last.Offset, err))
	}

	r.entries[slot] = empty
	r.allocated--
	r.logger.Debug("truncated trailing block", "path", r.path, "freed", last.Size)
	return true, nil
}
