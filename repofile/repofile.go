// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package repofile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
)

// Logic errors: the caller violated a precondition.  These are reported per
// call, have no side effects, and never poison the repository.
var (
	ErrNotFound     = errors.New("dataset not found")
	ErrUIDExists    = errors.New("uid already in use")
	ErrInvalidUID   = errors.New("uid must be a positive integer")
	ErrBadIdent     = errors.New("identifier must be 1-40 printable ASCII characters")
	ErrSizeMismatch = errors.New("payload length disagrees with summary dimensions")
	ErrTooLarge     = errors.New("payload exceeds maximum block size")
)

// CorruptionError reports a structural problem with the repository file: a
// bad tag, a broken offset chain, or a malformed entry.  Encountering one
// poisons the Repository.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("repository %s corrupted: %s", e.Path, e.Reason)
}

// Dataset is a fully materialized dataset: its UID, summary, and raw
// single-precision samples.
type Dataset struct {
	UID     int32
	Summary Summary
	Samples []float32
}

// Status describes the repository's block table: total entry capacity,
// entries backed by a block (occupied or reusable), and entries holding a
// dataset.
type Status struct {
	Capacity  int
	Allocated int
	Occupied  int
}

const readChunkSize = 32 * 1024

// Option configures a Repository.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	cacheSize int
	tag       uint32
	ord       binary.ByteOrder
}

// WithLogger sets an optional logger for the repository to report loads,
// growth, and reclamation.  If not provided, no logging output is produced.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithCacheSize overrides DefaultCacheSize for the dataset cache.
func WithCacheSize(n int) Option {
	return func(opts *options) {
		if n > 0 {
			opts.cacheSize = n
		}
	}
}

// WithTag selects the repository flavor written into newly created files.
// Unknown tags are ignored.
func WithTag(tag uint32) Option {
	return func(opts *options) {
		if knownTag(tag) {
			opts.tag = tag
		}
	}
}

// WithByteOrder sets the byte order used for newly created files.  Existing
// files keep whatever order Preload detects.
func WithByteOrder(ord binary.ByteOrder) Option {
	return func(opts *options) {
		opts.ord = ord
	}
}

// Repository manages one dataset repository file.  It is not safe for
// concurrent use; callers that share one across goroutines must serialize
// access themselves.
type Repository struct {
	path   string
	tag    uint32
	ord    binary.ByteOrder
	logger *slog.Logger

	loaded  bool
	failure error

	sections  int
	entries   []Entry       // the block index arena, one slot per entry
	allocated int           // allocated entries form a prefix of the arena
	dir       map[int32]int // uid -> arena slot, rebuilt on load
	cache     *datasetCache
}

// New creates a Repository handle for path.  No I/O happens until Preload
// (which every operation performs implicitly).
func New(path string, opts ...Option) *Repository {
	options := options{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		cacheSize: DefaultCacheSize,
		tag:       TagData,
		ord:       binary.LittleEndian,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Repository{
		path:   path,
		tag:    options.tag,
		ord:    options.ord,
		logger: options.logger,
		cache:  newDatasetCache(options.cacheSize),
	}
}

// Path returns the repository file's path.
func (r *Repository) Path() string { return r.path }

// Healthy reports whether the repository has not been poisoned.
func (r *Repository) Healthy() bool { return r.failure == nil }

// Failure returns the error that poisoned the repository, or nil.
func (r *Repository) Failure() error { return r.failure }

// fail records err as the permanent failure reason (first error wins) and
// returns it.
func (r *Repository) fail(err error) error {
	if r.failure == nil {
		r.failure = err
		r.logger.Error("repository poisoned", "path", r.path, "err", err)
	}
	return err
}

func (r *Repository) disabled() error {
	if r.failure != nil {
		return fmt.Errorf("repository disabled by earlier failure: %w", r.failure)
	}
	return nil
}

func (r *Repository) corrupt(format string, args ...any) error {
	return r.fail(&CorruptionError{Path: r.path, Reason: fmt.Sprintf(format, args...)})
}

// initialize creates (or recreates) the file as an empty repository: the
// header plus one section of unallocated entries.
func (r *Repository) initialize() error {
	f, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return r.fail(fmt.Errorf("create %s: %w", r.path, err))
	}
	defer func() {
		_ = f.Close()
	}()

	var hdr [fileHeaderSize]byte
	marshalHeader(hdr[:], r.ord, r.tag, 1)
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return r.fail(fmt.Errorf("write header: %w", err))
	}
	if _, err := f.WriteAt(emptySectionIndex(r.ord), fileHeaderSize); err != nil {
		return r.fail(fmt.Errorf("write empty section index: %w", err))
	}
	if err := f.Sync(); err != nil {
		return r.fail(fmt.Errorf("sync: %w", err))
	}

	r.sections = 1
	r.entries = make([]Entry, sectionEntries)
	for i := range r.entries {
		r.entries[i].UID = uidUnallocated
	}
	r.allocated = 0
	r.dir = make(map[int32]int)
	r.loaded = true
	r.logger.Debug("initialized empty repository", "path", r.path)
	return nil
}

// Preload loads and validates the block index, creating the file if it does
// not exist.  It is idempotent and cheap once loaded; every public operation
// calls it first.
func (r *Repository) Preload() error {
	if err := r.disabled(); err != nil {
		return err
	}
	if r.loaded {
		return nil
	}

	f, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return r.initialize()
	}
	if err != nil {
		return r.fail(fmt.Errorf("open %s: %w", r.path, err))
	}
	defer func() {
		_ = f.Close()
	}()

	var hdr [fileHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return r.corrupt("header unreadable: %s", err)
	}
	ord, tag, sections, err := detectHeader(hdr[:])
	if err != nil {
		return r.corrupt("%s", err)
	}
	if sections == 0 {
		return r.corrupt("header declares zero sections")
	}

	entries, allocated, err := scanIndex(f, ord, int(sections))
	if err != nil {
		return r.corrupt("%s", err)
	}

	dir := make(map[int32]int)
	for i := 0; i < allocated; i++ {
		e := &entries[i]
		if !e.occupied() {
			continue
		}
		if prev, dup := dir[e.UID]; dup {
			return r.corrupt("uid %d appears in entries %d and %d", e.UID, prev, i)
		}
		dir[e.UID] = i
	}

	r.ord = ord
	r.tag = tag
	r.sections = int(sections)
	r.entries = entries
	r.allocated = allocated
	r.dir = dir
	r.loaded = true

	if fi, err := f.Stat(); err != nil {
		return r.fail(fmt.Errorf("stat %s: %w", r.path, err))
	} else if fi.Size() < r.dataEnd() {
		return r.corrupt("file truncated: %d bytes, index accounts for %d", fi.Size(), r.dataEnd())
	}

	r.logger.Debug("preloaded repository",
		"path", r.path, "sections", r.sections,
		"allocated", r.allocated, "occupied", len(r.dir))
	return nil
}

// Contains reports whether a dataset with the given UID is present.
func (r *Repository) Contains(uid int32) bool {
	if r.disabled() != nil || r.Preload() != nil {
		return false
	}
	_, ok := r.dir[uid]
	return ok
}

// UIDs returns the UIDs of all stored datasets, ascending.
func (r *Repository) UIDs() ([]int32, error) {
	if err := r.Preload(); err != nil {
		return nil, err
	}
	uids := make([]int32, 0, len(r.dir))
	for uid := range r.dir {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// Summary returns the stored summary for uid.
func (r *Repository) Summary(uid int32) (Summary, error) {
	if err := r.Preload(); err != nil {
		return Summary{}, err
	}
	slot, ok := r.dir[uid]
	if !ok {
		return Summary{}, ErrNotFound
	}
	return r.entries[slot].Summary, nil
}

// Status returns capacity/allocation/occupancy counts for the block table.
func (r *Repository) Status() (Status, error) {
	if err := r.Preload(); err != nil {
		return Status{}, err
	}
	return Status{
		Capacity:  r.sections * sectionEntries,
		Allocated: r.allocated,
		Occupied:  len(r.dir),
	}, nil
}

// Get retrieves the dataset stored under uid, consulting the cache first.
// The block's leading UID tag is verified against the index as a defense
// against index corruption; a mismatch poisons the repository.
func (r *Repository) Get(uid int32) (*Dataset, error) {
	if err := r.Preload(); err != nil {
		return nil, err
	}
	if uid <= 0 {
		return nil, ErrInvalidUID
	}
	if ds, ok := r.cache.get(uid); ok {
		return ds, nil
	}
	slot, ok := r.dir[uid]
	if !ok {
		return nil, ErrNotFound
	}
	e := &r.entries[slot]

	f, err := os.Open(r.path)
	if err != nil {
		return nil, r.fail(fmt.Errorf("open %s: %w", r.path, err))
	}
	defer func() {
		_ = f.Close()
	}()

	var tagBuf [blockTagSize]byte
	if _, err := f.ReadAt(tagBuf[:], e.Offset); err != nil {
		return nil, r.fail(fmt.Errorf("read block tag at %d: %w", e.Offset, err))
	}
	if got := int32(r.ord.Uint32(tagBuf[:])); got != uid {
		return nil, r.corrupt("block tag mismatch at %d: index says uid %d, block says %d", e.Offset, uid, got)
	}

	samples, err := r.readSamples(f, e)
	if err != nil {
		return nil, r.fail(fmt.Errorf("read payload for uid %d: %w", uid, err))
	}

	ds := &Dataset{UID: uid, Summary: e.Summary, Samples: samples}
	r.cache.add(ds)
	return ds, nil
}

// readSamples reads a block's float payload in bounded chunks and decodes it
// in the repository's byte order.
func (r *Repository) readSamples(f *os.File, e *Entry) ([]float32, error) {
	n := e.Summary.SampleCount()
	raw := make([]byte, sampleSize*n)
	for off := 0; off < len(raw); off += readChunkSize {
		end := off + readChunkSize
		if end > len(raw) {
			end = len(raw)
		}
		if _, err := f.ReadAt(raw[off:end], e.Offset+blockTagSize+int64(off)); err != nil {
			return nil, err
		}
	}
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = math.Float32frombits(r.ord.Uint32(raw[sampleSize*i:]))
	}
	return samples, nil
}

// Put stores a new dataset under a caller-assigned UID, reusing a free block
// when one is big enough and growing the file otherwise.  The payload is
// written before the index entry, and the in-memory mirror is updated only
// after both writes succeed: a torn payload write is caught by Get's tag
// check, a torn index write by the structural scan on reload.
func (r *Repository) Put(uid int32, sum Summary, samples []float32) error {
	if err := r.Preload(); err != nil {
		return err
	}
	if uid <= 0 {
		return ErrInvalidUID
	}
	if !validIdent(sum.Ident) {
		return ErrBadIdent
	}
	if sum.Rows < 0 || sum.Cols < 0 || sum.SampleCount() != len(samples) {
		return ErrSizeMismatch
	}
	if _, dup := r.dir[uid]; dup {
		return ErrUIDExists
	}
	need := blockTagSize + sampleSize*int64(len(samples))
	if need > math.MaxInt32 {
		return ErrTooLarge
	}

	f, err := os.OpenFile(r.path, os.O_RDWR, 0644)
	if err != nil {
		return r.fail(fmt.Errorf("open %s: %w", r.path, err))
	}
	defer func() {
		_ = f.Close()
	}()

	slot, fresh, err := r.allocate(f, need)
	if err != nil {
		return err
	}
	ne := Entry{UID: uid, Summary: sum}
	if fresh {
		ne.Offset = r.dataEnd()
		ne.Size = int32(need)
	} else {
		ne.Offset = r.entries[slot].Offset
		ne.Size = r.entries[slot].Size
	}

	block := make([]byte, need)
	r.ord.PutUint32(block[:blockTagSize], uint32(uid))
	for i, v := range samples {
		r.ord.PutUint32(block[blockTagSize+sampleSize*i:], math.Float32bits(v))
	}
	if _, err := f.WriteAt(block, ne.Offset); err != nil {
		return r.fail(fmt.Errorf("write block for uid %d at %d: %w", uid, ne.Offset, err))
	}

	var entryBuf [entrySize]byte
	marshalEntry(entryBuf[:], &ne, r.ord)
	if _, err := f.WriteAt(entryBuf[:], r.slotPos(slot)); err != nil {
		return r.fail(fmt.Errorf("write index entry for uid %d: %w", uid, err))
	}
	if err := f.Sync(); err != nil {
		return r.fail(fmt.Errorf("sync: %w", err))
	}

	r.entries[slot] = ne
	if fresh {
		r.allocated++
	}
	r.dir[uid] = slot

	cached := make([]float32, len(samples))
	copy(cached, samples)
	r.cache.add(&Dataset{UID: uid, Summary: sum, Samples: cached})
	return nil
}

// Remove frees uid's block by flipping just the entry's on-disk UID field to
// the unoccupied sentinel; offset and size stay valid so the block is
// immediately reusable.  Removing an absent UID is a successful no-op.
func (r *Repository) Remove(uid int32) error {
	if err := r.Preload(); err != nil {
		return err
	}
	slot, ok := r.dir[uid]
	if !ok {
		return nil
	}

	f, err := os.OpenFile(r.path, os.O_RDWR, 0644)
	if err != nil {
		return r.fail(fmt.Errorf("open %s: %w", r.path, err))
	}
	defer func() {
		_ = f.Close()
	}()

	var uidBuf [4]byte
	r.ord.PutUint32(uidBuf[:], uint32(uidUnoccupied))
	if _, err := f.WriteAt(uidBuf[:], r.slotPos(slot)+entryUIDOff); err != nil {
		return r.fail(fmt.Errorf("clear index entry for uid %d: %w", uid, err))
	}
	if err := f.Sync(); err != nil {
		return r.fail(fmt.Errorf("sync: %w", err))
	}

	e := &r.entries[slot]
	e.UID = uidUnoccupied
	e.Summary = Summary{}
	delete(r.dir, uid)
	r.cache.remove(uid)
	return nil
}

// RemoveAll deletes the physical file and reinitializes it empty -- cheaper
// than clearing every entry.
func (r *Repository) RemoveAll() error {
	if err := r.disabled(); err != nil {
		return err
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return r.fail(fmt.Errorf("remove %s: %w", r.path, err))
	}
	r.cache.purge()
	r.loaded = false
	return r.initialize()
}

// Rename rewrites uid's identifier in place.  The identifier field is fixed
// width, so nothing moves.  Identifier uniqueness across the file is the
// caller's concern (see the dset.Store wrapper); only the format is checked
// here.
func (r *Repository) Rename(uid int32, ident string) error {
	if err := r.Preload(); err != nil {
		return err
	}
	if !validIdent(ident) {
		return ErrBadIdent
	}
	slot, ok := r.dir[uid]
	if !ok {
		return ErrNotFound
	}

	f, err := os.OpenFile(r.path, os.O_RDWR, 0644)
	if err != nil {
		return r.fail(fmt.Errorf("open %s: %w", r.path, err))
	}
	defer func() {
		_ = f.Close()
	}()

	var identBuf [identWidth]byte
	marshalIdent(identBuf[:], ident)
	if _, err := f.WriteAt(identBuf[:], r.slotPos(slot)+entryIdentOff); err != nil {
		return r.fail(fmt.Errorf("rewrite identifier for uid %d: %w", uid, err))
	}
	if err := f.Sync(); err != nil {
		return r.fail(fmt.Errorf("sync: %w", err))
	}

	r.entries[slot].Summary.Ident = ident
	if ds, ok := r.cache.get(uid); ok {
		ds.Summary.Ident = ident
	}
	return nil
}
