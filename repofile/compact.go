// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package repofile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// compactWasteDenominator gates compaction: rewriting is skipped while waste
// stays under 1/10 of the file size.
const compactWasteDenominator = 10

// wastedBytes totals reclaimable space: whole unoccupied blocks plus the
// slack in occupied blocks whose payload is smaller than the block.
func (r *Repository) wastedBytes() int64 {
	var waste int64
	for i := 0; i < r.allocated; i++ {
		e := &r.entries[i]
		switch {
		case e.unoccupied():
			waste += int64(e.Size)
		case e.occupied():
			waste += int64(e.Size) - e.Summary.payloadBytes()
		}
	}
	return waste
}

// Waste returns the reclaimable byte count and the total file span it is
// measured against.
func (r *Repository) Waste() (wasted, total int64, err error) {
	if err := r.Preload(); err != nil {
		return 0, 0, err
	}
	return r.wastedBytes(), r.dataEnd(), nil
}

// Compact rewrites the repository without wasted space: occupied blocks are
// packed tight into freshly laid-out sections in a temporary file, which
// then atomically replaces the original.  Compaction never grows the file,
// and is skipped entirely while waste is under the threshold.  Unlike normal
// mutations the bulk copies are not individually synced; the untouched
// original remains the fallback until the final rename.
func (r *Repository) Compact() error {
	if err := r.Preload(); err != nil {
		return err
	}

	total := r.dataEnd()
	waste := r.wastedBytes()
	if waste*compactWasteDenominator < total {
		r.logger.Debug("compaction skipped", "path", r.path, "waste", waste, "total", total)
		return nil
	}

	var packed []Entry
	var oldOffsets []int64
	for i := 0; i < r.allocated; i++ {
		e := r.entries[i]
		if !e.occupied() {
			continue
		}
		oldOffsets = append(oldOffsets, e.Offset)
		packed = append(packed, e)
	}
	sections := (len(packed) + sectionEntries - 1) / sectionEntries
	if sections == 0 {
		sections = 1
	}

	// recompute the offset chain for the packed layout, dropping slack
	pos := int64(fileHeaderSize)
	for i := range packed {
		if i%sectionEntries == 0 {
			pos += sectionIndexSize
		}
		packed[i].Offset = pos
		packed[i].Size = int32(packed[i].Summary.payloadBytes())
		pos += int64(packed[i].Size)
	}

	src, err := os.Open(r.path)
	if err != nil {
		return r.fail(fmt.Errorf("open %s: %w", r.path, err))
	}
	defer func() {
		_ = src.Close()
	}()

	tmp, err := os.CreateTemp(filepath.Dir(r.path), "dset-compact.*.tmp")
	if err != nil {
		return r.fail(fmt.Errorf("CreateTemp: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := r.writeCompacted(tmp, src, packed, oldOffsets, sections); err != nil {
		return r.fail(fmt.Errorf("compact into %s: %w", tmp.Name(), err))
	}
	// CreateTemp defaults to 0600
	if err := tmp.Chmod(0644); err != nil {
		return r.fail(fmt.Errorf("chmod %s: %w", tmp.Name(), err))
	}
	if err := tmp.Sync(); err != nil {
		return r.fail(fmt.Errorf("sync %s: %w", tmp.Name(), err))
	}
	if err := tmp.Close(); err != nil {
		return r.fail(fmt.Errorf("close %s: %w", tmp.Name(), err))
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return r.fail(fmt.Errorf("os.Rename: %w", err))
	}
	committed = true

	r.sections = sections
	r.entries = make([]Entry, sections*sectionEntries)
	for i := range r.entries {
		r.entries[i].UID = uidUnallocated
	}
	copy(r.entries, packed)
	r.allocated = len(packed)
	r.dir = make(map[int32]int, len(packed))
	for i := range packed {
		r.dir[packed[i].UID] = i
	}

	r.logger.Info("compacted repository",
		"path", r.path, "reclaimed", waste, "size", r.dataEnd())
	return nil
}

// writeCompacted lays the packed entries down in tmp: header, each section's
// index table, and the block bytes copied file-to-file from src.
func (r *Repository) writeCompacted(tmp, src *os.File, packed []Entry, oldOffsets []int64, sections int) error {
	var hdr [fileHeaderSize]byte
	marshalHeader(hdr[:], r.ord, r.tag, uint32(sections))
	if _, err := tmp.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	buf := make([]byte, sectionIndexSize)
	empty := Entry{UID: uidUnallocated}
	for sec := 0; sec < sections; sec++ {
		base := sec * sectionEntries
		indexPos := int64(fileHeaderSize)
		if sec > 0 {
			prev := &packed[base-1]
			indexPos = prev.Offset + int64(prev.Size)
		}
		for i := 0; i < sectionEntries; i++ {
			e := &empty
			if base+i < len(packed) {
				e = &packed[base+i]
			}
			marshalEntry(buf[i*entrySize:(i+1)*entrySize], e, r.ord)
		}
		if _, err := tmp.WriteAt(buf, indexPos); err != nil {
			return fmt.Errorf("write section %d index: %w", sec, err)
		}
	}

	for i := range packed {
		e := &packed[i]
		if err := copyBlock(tmp, src, e.Offset, oldOffsets[i], int64(e.Size)); err != nil {
			return fmt.Errorf("copy block for uid %d: %w", e.UID, err)
		}
	}
	return nil
}

// copyBlockGeneric is the portable file-to-file transfer, also the fallback
// when copy_file_range isn't available.
func copyBlockGeneric(dst, src *os.File, dstOff, srcOff, n int64) error {
	written, err := io.Copy(io.NewOffsetWriter(dst, dstOff), io.NewSectionReader(src, srcOff, n))
	if err != nil {
		return err
	}
	if written != n {
		return io.ErrUnexpectedEOF
	}
	return nil
}
