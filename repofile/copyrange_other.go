// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build !linux

package repofile

import "os"

func copyBlock(dst, src *os.File, dstOff, srcOff, n int64) error {
	return copyBlockGeneric(dst, src, dstOff, srcOff, n)
}
