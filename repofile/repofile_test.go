// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package repofile

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t testing.TB, opts ...Option) *Repository {
	t.Helper()
	r := New(filepath.Join(t.TempDir(), "data.dset"), opts...)
	require.NoError(t, r.Preload())
	return r
}

func pointsSummary(ident string, rows, cols int32) Summary {
	return Summary{Ident: ident, Format: FormatPoints, Rows: rows, Cols: cols}
}

func seq(n int) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(i + 1)
	}
	return samples
}

func fileSize(t testing.TB, r *Repository) int64 {
	t.Helper()
	fi, err := os.Stat(r.path)
	require.NoError(t, err)
	return fi.Size()
}

func reopen(t testing.TB, r *Repository) *Repository {
	t.Helper()
	fresh := New(r.path)
	require.NoError(t, fresh.Preload())
	return fresh
}

func TestEmptyRepositoryLayout(t *testing.T) {
	r := newTestRepo(t)
	// header plus one section's index table, nothing else
	assert.Equal(t, int64(fileHeaderSize+sectionIndexSize), fileSize(t, r))

	status, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, Status{Capacity: sectionEntries, Allocated: 0, Occupied: 0}, status)
}

func TestPreloadIdempotent(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(1, pointsSummary("a", 1, 1), seq(1)))
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Preload())
	}
	assert.True(t, r.Contains(1))
}

func TestPutGetRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	samples := []float32{1, 2, 3, 4, 5, 6}
	require.NoError(t, r.Put(101, pointsSummary("pts", 3, 2), samples))

	ds, err := r.Get(101)
	require.NoError(t, err)
	assert.Equal(t, samples, ds.Samples)
	assert.Equal(t, int32(101), ds.UID)
	assert.Equal(t, "pts", ds.Summary.Ident)

	// again with a cold cache to exercise the file path and the block
	// tag check
	r.cache.purge()
	ds, err = r.Get(101)
	require.NoError(t, err)
	assert.Equal(t, samples, ds.Samples)
}

func TestRoundTripAcrossReopen(t *testing.T) {
	r := newTestRepo(t)
	samples := seq(1000)
	sum := Summary{Ident: "grid", Format: FormatGrid, Rows: 100, Cols: 10, Aux: [4]float32{0, 0.5, 1, 0.25}}
	require.NoError(t, r.Put(7, sum, samples))

	fresh := reopen(t, r)
	ds, err := fresh.Get(7)
	require.NoError(t, err)
	assert.Equal(t, samples, ds.Samples)
	assert.Equal(t, sum, ds.Summary)
}

func TestBlockReuseAfterRemove(t *testing.T) {
	r := newTestRepo(t)
	samples := []float32{1, 2, 3, 4, 5, 6}
	require.NoError(t, r.Put(101, pointsSummary("pts", 3, 2), samples))

	oldOffset := r.entries[r.dir[101]].Offset
	sizeBefore := fileSize(t, r)

	require.NoError(t, r.Remove(101))
	assert.False(t, r.Contains(101))
	assert.Equal(t, sizeBefore, fileSize(t, r))

	// the freed block is reused in place rather than extending the file
	require.NoError(t, r.Put(102, pointsSummary("pts", 3, 2), samples))
	assert.Equal(t, oldOffset, r.entries[r.dir[102]].Offset)
	assert.Equal(t, sizeBefore, fileSize(t, r))

	ds, err := r.Get(102)
	require.NoError(t, err)
	assert.Equal(t, samples, ds.Samples)
}

func TestPutDuplicateUID(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(9, pointsSummary("a", 1, 2), seq(2)))

	statusBefore, err := r.Status()
	require.NoError(t, err)
	sizeBefore := fileSize(t, r)

	err = r.Put(9, pointsSummary("b", 1, 2), seq(2))
	assert.ErrorIs(t, err, ErrUIDExists)

	// a rejected put leaves the repository untouched and healthy
	statusAfter, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, statusBefore, statusAfter)
	assert.Equal(t, sizeBefore, fileSize(t, r))
	assert.True(t, r.Healthy())

	ds, err := r.Get(9)
	require.NoError(t, err)
	assert.Equal(t, "a", ds.Summary.Ident)
}

func TestPutValidation(t *testing.T) {
	r := newTestRepo(t)

	assert.ErrorIs(t, r.Put(0, pointsSummary("a", 1, 1), seq(1)), ErrInvalidUID)
	assert.ErrorIs(t, r.Put(-3, pointsSummary("a", 1, 1), seq(1)), ErrInvalidUID)
	assert.ErrorIs(t, r.Put(1, pointsSummary("", 1, 1), seq(1)), ErrBadIdent)
	assert.ErrorIs(t, r.Put(1, pointsSummary("a", 2, 2), seq(3)), ErrSizeMismatch)
	assert.ErrorIs(t, r.Put(1, pointsSummary("a", -2, 2), seq(4)), ErrSizeMismatch)

	// logic errors don't poison
	assert.True(t, r.Healthy())
	require.NoError(t, r.Put(1, pointsSummary("a", 1, 1), seq(1)))
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(1, pointsSummary("a", 1, 1), seq(1)))
	sizeBefore := fileSize(t, r)

	require.NoError(t, r.Remove(4242))
	assert.False(t, r.Contains(4242))
	assert.Equal(t, sizeBefore, fileSize(t, r))
}

func TestGet_NotFoundAndBadUID(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.Get(5)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(0)
	assert.ErrorIs(t, err, ErrInvalidUID)
	assert.True(t, r.Healthy())
}

func TestGrowthOnSectionSaturation(t *testing.T) {
	r := newTestRepo(t)
	for uid := int32(1); uid <= sectionEntries; uid++ {
		require.NoError(t, r.Put(uid, pointsSummary(fmt.Sprintf("d%d", uid), 1, 1), seq(1)))
	}
	status, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, Status{Capacity: sectionEntries, Allocated: sectionEntries, Occupied: sectionEntries}, status)

	// the 501st put forces a fresh section of unallocated entries
	require.NoError(t, r.Put(sectionEntries+1, pointsSummary("overflow", 1, 1), seq(1)))
	status, err = r.Status()
	require.NoError(t, err)
	assert.Equal(t, 2*sectionEntries, status.Capacity)
	assert.Equal(t, sectionEntries+1, status.Allocated)
	assert.Equal(t, sectionEntries+1, status.Occupied)
	assert.Equal(t, 2, r.sections)
	for i := sectionEntries + 1; i < 2*sectionEntries; i++ {
		require.True(t, r.entries[i].unallocated(), "slot %d", i)
	}

	// a grown file must still pass the structural scan
	fresh := reopen(t, r)
	ds, err := fresh.Get(sectionEntries + 1)
	require.NoError(t, err)
	assert.Equal(t, seq(1), ds.Samples)
}

func TestPutTriggersCoalesce(t *testing.T) {
	r := newTestRepo(t)
	// saturate the section with 8-byte blocks
	for uid := int32(1); uid <= sectionEntries; uid++ {
		require.NoError(t, r.Put(uid, pointsSummary(fmt.Sprintf("d%d", uid), 1, 1), seq(1)))
	}
	sizeBefore := fileSize(t, r)

	// two adjacent removals leave 16 free bytes, but split 8+8: a
	// 16-byte block only fits after the allocator coalesces them
	require.NoError(t, r.Remove(100))
	require.NoError(t, r.Remove(101))

	require.NoError(t, r.Put(1000, pointsSummary("wide", 3, 1), seq(3)))
	status, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, sectionEntries, status.Capacity, "coalescing should satisfy the put without growth")
	assert.Equal(t, sizeBefore, fileSize(t, r))

	r.cache.purge()
	ds, err := r.Get(1000)
	require.NoError(t, err)
	assert.Equal(t, seq(3), ds.Samples)
}

func TestPutGrowsWhenCoalesceCannotHelp(t *testing.T) {
	r := newTestRepo(t)
	for uid := int32(1); uid <= sectionEntries; uid++ {
		require.NoError(t, r.Put(uid, pointsSummary(fmt.Sprintf("d%d", uid), 1, 1), seq(1)))
	}
	// non-adjacent removals can't merge, and the trailing block stays
	// occupied, so the file has to grow
	require.NoError(t, r.Remove(100))
	require.NoError(t, r.Remove(102))

	require.NoError(t, r.Put(1000, pointsSummary("wide", 3, 1), seq(3)))
	status, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, 2*sectionEntries, status.Capacity)
	assert.Equal(t, sectionEntries+1, status.Allocated)

	fresh := reopen(t, r)
	ds, err := fresh.Get(1000)
	require.NoError(t, err)
	assert.Equal(t, seq(3), ds.Samples)
}

func TestCoalesceMergesAdjacentRuns(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(1, pointsSummary("a", 1, 2), seq(2))) // 12-byte blocks
	require.NoError(t, r.Put(2, pointsSummary("b", 1, 2), seq(2)))
	require.NoError(t, r.Put(3, pointsSummary("c", 1, 2), seq(2)))
	require.NoError(t, r.Remove(1))
	require.NoError(t, r.Remove(2))

	f, err := os.OpenFile(r.path, os.O_RDWR, 0644)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()

	changed, err := r.coalesce(f)
	require.NoError(t, err)
	require.True(t, changed)

	// two adjacent free blocks became one of summed size; uid 3 shifted
	// down a slot with its block untouched
	assert.Equal(t, 2, r.allocated)
	assert.True(t, r.entries[0].unoccupied())
	assert.Equal(t, int32(24), r.entries[0].Size)
	assert.Equal(t, int32(3), r.entries[1].UID)
	assert.Equal(t, 1, r.dir[3])

	fresh := reopen(t, r)
	ds, err := fresh.Get(3)
	require.NoError(t, err)
	assert.Equal(t, seq(2), ds.Samples)
}

func TestCoalesceTruncatesTrailingBlock(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(1, pointsSummary("a", 1, 2), seq(2)))
	require.NoError(t, r.Put(2, pointsSummary("b", 1, 2), seq(2)))
	sizeBefore := fileSize(t, r)

	// a lone trailing free block can't merge with anything; the file
	// shrinks instead
	require.NoError(t, r.Remove(2))

	f, err := os.OpenFile(r.path, os.O_RDWR, 0644)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()

	changed, err := r.coalesce(f)
	require.NoError(t, err)
	require.True(t, changed)

	assert.Equal(t, 1, r.allocated)
	assert.True(t, r.entries[1].unallocated())
	assert.Equal(t, sizeBefore-12, fileSize(t, r))
	assert.Equal(t, int32(1), r.entries[0].UID, "non-trailing entries are untouched")

	fresh := reopen(t, r)
	ds, err := fresh.Get(1)
	require.NoError(t, err)
	assert.Equal(t, seq(2), ds.Samples)
}

func TestCoalesceNothingToDo(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(1, pointsSummary("a", 1, 1), seq(1)))

	f, err := os.OpenFile(r.path, os.O_RDWR, 0644)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()

	changed, err := r.coalesce(f)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRenameRewritesInPlace(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(5, pointsSummary("before", 2, 2), seq(4)))
	sizeBefore := fileSize(t, r)

	require.NoError(t, r.Rename(5, "after"))
	assert.Equal(t, sizeBefore, fileSize(t, r), "identifier field is fixed width")

	sum, err := r.Summary(5)
	require.NoError(t, err)
	assert.Equal(t, "after", sum.Ident)

	// the cached dataset picks up the new name too
	ds, err := r.Get(5)
	require.NoError(t, err)
	assert.Equal(t, "after", ds.Summary.Ident)

	fresh := reopen(t, r)
	sum, err = fresh.Summary(5)
	require.NoError(t, err)
	assert.Equal(t, "after", sum.Ident)
}

func TestRenameValidation(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(5, pointsSummary("a", 1, 1), seq(1)))

	assert.ErrorIs(t, r.Rename(5, ""), ErrBadIdent)
	assert.ErrorIs(t, r.Rename(5, "bad\nident"), ErrBadIdent)
	assert.ErrorIs(t, r.Rename(99, "fine"), ErrNotFound)
	assert.True(t, r.Healthy())
}

func TestRemoveAll(t *testing.T) {
	r := newTestRepo(t)
	for uid := int32(1); uid <= 10; uid++ {
		require.NoError(t, r.Put(uid, pointsSummary(fmt.Sprintf("d%d", uid), 1, 3), seq(3)))
	}

	require.NoError(t, r.RemoveAll())
	assert.Equal(t, int64(fileHeaderSize+sectionIndexSize), fileSize(t, r))
	assert.False(t, r.Contains(1))

	status, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, Status{Capacity: sectionEntries, Allocated: 0, Occupied: 0}, status)

	// the reinitialized file is fully usable
	require.NoError(t, r.Put(1, pointsSummary("again", 1, 1), seq(1)))
	ds, err := r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, seq(1), ds.Samples)
}

func TestEndiannessSymmetry(t *testing.T) {
	le := newTestRepo(t)
	be := newTestRepo(t, WithByteOrder(binary.BigEndian))

	samples := seq(64)
	for _, r := range []*Repository{le, be} {
		require.NoError(t, r.Put(1, pointsSummary("sym", 8, 8), samples))
		require.NoError(t, r.Put(2, pointsSummary("other", 1, 4), seq(4)))
		require.NoError(t, r.Remove(2))
	}

	leBytes, err := os.ReadFile(le.path)
	require.NoError(t, err)
	beBytes, err := os.ReadFile(be.path)
	require.NoError(t, err)
	assert.NotEqual(t, leBytes, beBytes, "files are byte-distinguishable")

	// a fresh handle adopts the stored order and reads back the same
	// logical payloads
	freshBE := reopen(t, be)
	assert.Equal(t, binary.BigEndian, freshBE.ord)
	dsBE, err := freshBE.Get(1)
	require.NoError(t, err)
	dsLE, err := reopen(t, le).Get(1)
	require.NoError(t, err)
	assert.Equal(t, dsLE.Samples, dsBE.Samples)
}

func TestPreloadRejectsGarbageHeader(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(1, pointsSummary("a", 1, 1), seq(1)))

	f, err := os.OpenFile(r.path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fresh := New(r.path)
	err = fresh.Preload()
	require.Error(t, err)
	var ce *CorruptionError
	assert.ErrorAs(t, err, &ce)
	assert.False(t, fresh.Healthy())
}

func TestPreloadRejectsBrokenOffsetChain(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(1, pointsSummary("a", 1, 1), seq(1)))
	require.NoError(t, r.Put(2, pointsSummary("b", 1, 1), seq(1)))

	// corrupt the second entry's offset field
	pos := r.slotPos(1) + entryOffsetOff
	f, err := os.OpenFile(r.path, os.O_RDWR, 0644)
	require.NoError(t, err)
	var bogus [8]byte
	r.ord.PutUint64(bogus[:], 1234567)
	_, err = f.WriteAt(bogus[:], pos)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fresh := New(r.path)
	err = fresh.Preload()
	require.Error(t, err)
	var ce *CorruptionError
	assert.ErrorAs(t, err, &ce)
}

func TestPreloadRejectsTruncatedFile(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(1, pointsSummary("a", 100, 10), seq(1000)))

	require.NoError(t, os.Truncate(r.path, fileSize(t, r)-100))

	fresh := New(r.path)
	err := fresh.Preload()
	require.Error(t, err)
	assert.False(t, fresh.Healthy())
}

func TestPoisonedRepositoryFailsFast(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(1, pointsSummary("a", 1, 1), seq(1)))

	f, err := os.OpenFile(r.path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff, 0xff, 0xff, 0xff}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fresh := New(r.path)
	require.Error(t, fresh.Preload())

	// every operation now fails without touching the file
	assert.Error(t, fresh.Put(2, pointsSummary("b", 1, 1), seq(1)))
	_, err = fresh.Get(1)
	assert.Error(t, err)
	assert.Error(t, fresh.Remove(1))
	assert.Error(t, fresh.Rename(1, "x"))
	assert.Error(t, fresh.Compact())
	assert.Error(t, fresh.RemoveAll())
	assert.False(t, fresh.Contains(1))
	_, err = fresh.UIDs()
	assert.Error(t, err)
}

func TestGetBlockTagMismatchPoisons(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, r.Put(1, pointsSummary("a", 1, 2), seq(2)))

	// scribble a wrong uid over the block's redundant tag
	off := r.entries[r.dir[1]].Offset
	f, err := os.OpenFile(r.path, os.O_RDWR, 0644)
	require.NoError(t, err)
	var bogus [4]byte
	r.ord.PutUint32(bogus[:], 999)
	_, err = f.WriteAt(bogus[:], off)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fresh := reopen(t, r)
	_, err = fresh.Get(1)
	require.Error(t, err)
	var ce *CorruptionError
	assert.ErrorAs(t, err, &ce)
	assert.False(t, fresh.Healthy())

	_, err = fresh.Get(1)
	assert.Error(t, err, "poisoned handle keeps failing")
}

func TestChunkedPayloadRead(t *testing.T) {
	r := newTestRepo(t)
	// payload larger than one read chunk
	n := readChunkSize/sampleSize + 1357
	sum := Summary{Ident: "big", Format: FormatRaster, Rows: int32(n - 100), Cols: 100}
	require.NoError(t, r.Put(1, sum, seq(n)))

	r.cache.purge()
	ds, err := r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, seq(n), ds.Samples)
}

func TestUIDsSorted(t *testing.T) {
	r := newTestRepo(t)
	for _, uid := range []int32{42, 7, 19} {
		require.NoError(t, r.Put(uid, pointsSummary(fmt.Sprintf("d%d", uid), 1, 1), seq(1)))
	}
	uids, err := r.UIDs()
	require.NoError(t, err)
	assert.Equal(t, []int32{7, 19, 42}, uids)
}

func BenchmarkGet(b *testing.B) {
	r := newTestRepo(b)
	samples := seq(512)
	if err := r.Put(1, pointsSummary("bench", 64, 8), samples); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := r.Get(1); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGetCold(b *testing.B) {
	r := newTestRepo(b)
	samples := seq(512)
	if err := r.Put(1, pointsSummary("bench", 64, 8), samples); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.cache.purge()
		if _, err := r.Get(1); err != nil {
			b.Fatal(err)
		}
	}
}
