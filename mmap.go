// Copyright 2024 The softie Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package softie

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapping is a shared read/write view of one chunk's range.  The map
// base is rounded down to a page boundary; window is the caller-visible
// slice covering exactly the chunk.
type mapping struct {
	buf    []byte
	window []byte
}

func mapRange(f *os.File, start, length uint64) (*mapping, error) {
	page := uint64(os.Getpagesize())
	base := start &^ (page - 1)
	span := int(start - base + length)
	buf, err := unix.Mmap(int(f.Fd()), int64(base), span, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes at %d: %w", span, base, err)
	}
	lead := start - base
	return &mapping{buf: buf, window: buf[lead : lead+length]}, nil
}

func (m *mapping) Data() []byte {
	return m.window
}

func (m *mapping) Sync() error {
	return unix.Msync(m.buf, unix.MS_SYNC)
}

func (m *mapping) Close() error {
	return unix.Munmap(m.buf)
}
