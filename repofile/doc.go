// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

/*
Package repofile implements a self-managing binary repository file for
variable-length numeric datasets.

A repository file starts with an 8-byte header (a 32-bit flavor tag followed
by a 32-bit section count) and is otherwise a sequence of sections. Each
section is a fixed-capacity block index of 500 entries followed by the payload
bytes of the blocks those entries describe. An index entry records a dataset
UID, the absolute file offset and byte size of its block, and a small summary
(identifier, format code, two dimensions, four auxiliary floats). A block
holds a redundant copy of the UID followed by raw IEEE-754 single-precision
samples.

Entries are in one of three states: unallocated (UID -1, no block),
unoccupied (UID 0, a reusable block), or occupied (positive UID). Block
offsets form a chain -- each allocated block starts where the previous one
ends, with a section's index table inserted between the last block of one
section and the first block of the next. The chain is the primary consistency
check performed when a file is loaded.

Space management is two-tier: removing a dataset only flips its index entry
to unoccupied, leaving the block reusable in place; adjacent unoccupied
blocks in the final section are merged on demand when an allocation would
otherwise grow the file; and Compact rewrites the whole file without wasted
space once waste crosses a threshold.

A Repository is a single-writer object. Any structural corruption or I/O
failure permanently poisons it: every subsequent operation fails fast with
the original reason, and recovery means constructing a new Repository against
a known-good file. Caller mistakes (duplicate UID, malformed identifier) are
reported per call and have no lasting effect.
*/
package repofile
