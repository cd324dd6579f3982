// Copyright 2024 The dset Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build linux

package repofile

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// copyBlock transfers n bytes between files without bouncing them through a
// user-space buffer, falling back to a plain copy where the kernel or
// filesystem can't do it.
func copyBlock(dst, src *os.File, dstOff, srcOff, n int64) error {
	for n > 0 {
		m, err := unix.CopyFileRange(int(src.Fd()), &srcOff, int(dst.Fd()), &dstOff, int(n), 0)
		if err != nil {
			if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EXDEV) || errors.Is(err, unix.EINVAL) {
				// offsets were advanced in place by the kernel for
				// any bytes already moved
				return copyBlockGeneric(dst, src, dstOff, srcOff, n)
			}
			return err
		}
		if m == 0 {
			return io.ErrUnexpectedEOF
		}
		n -= int64(m)
	}
	return nil
}
