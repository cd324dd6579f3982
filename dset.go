// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package dset stores variable-length numeric datasets in a single
// self-managing binary repository file.  Store is the identifier-keyed
// facade most callers want; the UID-keyed engine underneath lives in the
// repofile package.
package dset

import (
	"errors"
	"fmt"
	"sort"

	"github.com/plotkit/dset/repofile"
)

// Re-exported engine types, so most callers only import this package.
type (
	Summary = repofile.Summary
	Dataset = repofile.Dataset
	Status  = repofile.Status
	Option  = repofile.Option
)

// Dataset format codes.
const (
	FormatPoints = repofile.FormatPoints
	FormatGrid   = repofile.FormatGrid
	FormatRaster = repofile.FormatRaster
	FormatBounds = repofile.FormatBounds
)

var (
	ErrNotFound   = repofile.ErrNotFound
	ErrIdentTaken = errors.New("identifier already in use")
)

// Store is an identifier-keyed wrapper around a repository file.  The engine
// is purely UID-keyed and does not police identifiers; Store enforces global
// identifier uniqueness and assigns UIDs itself.  Like the engine it is a
// single-writer object.
type Store struct {
	repo *repofile.Repository
	uids map[string]int32
	next int32
}

// Open loads (or creates) the repository at path and indexes its
// identifiers.
func Open(path string, opts ...Option) (*Store, error) {
	repo := repofile.New(path, opts...)
	if err := repo.Preload(); err != nil {
		return nil, err
	}
	s := &Store{repo: repo}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

// reindex rebuilds the identifier directory from the stored summaries.
func (s *Store) reindex() error {
	uids, err := s.repo.UIDs()
	if err != nil {
		return err
	}
	s.uids = make(map[string]int32, len(uids))
	s.next = 1
	for _, uid := range uids {
		sum, err := s.repo.Summary(uid)
		if err != nil {
			return err
		}
		if prev, dup := s.uids[sum.Ident]; dup {
			return fmt.Errorf("identifier %q stored under both uid %d and uid %d", sum.Ident, prev, uid)
		}
		s.uids[sum.Ident] = uid
		if uid >= s.next {
			s.next = uid + 1
		}
	}
	return nil
}

// Put stores a new dataset and returns its assigned UID.  The summary's
// identifier must not already be in use.
func (s *Store) Put(sum Summary, samples []float32) (int32, error) {
	if _, taken := s.uids[sum.Ident]; taken {
		return 0, ErrIdentTaken
	}
	uid := s.next
	if err := s.repo.Put(uid, sum, samples); err != nil {
		return 0, err
	}
	s.uids[sum.Ident] = uid
	s.next = uid + 1
	return uid, nil
}

// Get retrieves the dataset stored under ident.
func (s *Store) Get(ident string) (*Dataset, error) {
	uid, ok := s.uids[ident]
	if !ok {
		return nil, ErrNotFound
	}
	return s.repo.Get(uid)
}

// Lookup maps an identifier to its UID.
func (s *Store) Lookup(ident string) (int32, bool) {
	uid, ok := s.uids[ident]
	return uid, ok
}

// Contains reports whether a dataset with the given identifier exists.
func (s *Store) Contains(ident string) bool {
	_, ok := s.uids[ident]
	return ok
}

// Rename changes a dataset's identifier in place.
func (s *Store) Rename(old, ident string) error {
	uid, ok := s.uids[old]
	if !ok {
		return ErrNotFound
	}
	if old == ident {
		return nil
	}
	if _, taken := s.uids[ident]; taken {
		return ErrIdentTaken
	}
	if err := s.repo.Rename(uid, ident); err != nil {
		return err
	}
	delete(s.uids, old)
	s.uids[ident] = uid
	return nil
}

// Remove drops the dataset stored under ident.  Removing an unknown
// identifier is a no-op.
func (s *Store) Remove(ident string) error {
	uid, ok := s.uids[ident]
	if !ok {
		return nil
	}
	if err := s.repo.Remove(uid); err != nil {
		return err
	}
	delete(s.uids, ident)
	return nil
}

// Clear deletes every dataset by reinitializing the repository file.
func (s *Store) Clear() error {
	if err := s.repo.RemoveAll(); err != nil {
		return err
	}
	s.uids = make(map[string]int32)
	s.next = 1
	return nil
}

// Compact reclaims wasted space across the whole file.  Identifiers and
// UIDs are unaffected.
func (s *Store) Compact() error {
	return s.repo.Compact()
}

// Idents returns all stored identifiers, sorted.
func (s *Store) Idents() []string {
	idents := make([]string, 0, len(s.uids))
	for ident := range s.uids {
		idents = append(idents, ident)
	}
	sort.Strings(idents)
	return idents
}

// Status reports the underlying block table's counters.
func (s *Store) Status() (Status, error) {
	return s.repo.Status()
}
