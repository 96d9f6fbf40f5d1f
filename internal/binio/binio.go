// Copyright 2024 The softie Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package binio reads and writes the fixed-width big-endian fields the
// multifile format is built from.  All I/O goes through a Handle that
// tracks the absolute file offset, so short reads and writes surface
// errors naming the offset they happened at.
package binio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrShortIO = errors.New("softie: short read or write")
	ErrSeek    = errors.New("softie: seek failed")
)

// Handle wraps an *os.File with the codec used by the multifile format:
// big-endian u64s and u64-length-prefixed byte strings.  It owns no
// buffering; callers are responsible for syncing the file before
// observing on-disk state.
type Handle struct {
	f   *os.File
	off int64
}

func NewHandle(f *os.File) *Handle {
	return &Handle{f: f}
}

// Offset reports the absolute offset the next read or write starts at.
func (h *Handle) Offset() uint64 {
	return uint64(h.off)
}

// Seek positions the handle at an absolute offset.
func (h *Handle) Seek(off uint64) error {
	n, err := h.f.Seek(int64(off), io.SeekStart)
	if err != nil {
		return fmt.Errorf("seek to %d: %w: %s", off, ErrSeek, err)
	}
	h.off = n
	return nil
}

// SeekEnd positions the handle at the end of the file and returns that
// offset.
func (h *Handle) SeekEnd() (uint64, error) {
	n, err := h.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek to end: %w: %s", ErrSeek, err)
	}
	h.off = n
	return uint64(n), nil
}

// ReadFull fills p from the current offset.
func (h *Handle) ReadFull(p []byte) error {
	n, err := io.ReadFull(h.f, p)
	at := h.off
	h.off += int64(n)
	if err != nil {
		return fmt.Errorf("read %d bytes at %d (got %d): %w: %s", len(p), at, n, ErrShortIO, err)
	}
	return nil
}

// ReadExact reads exactly n bytes from the current offset.
func (h *Handle) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := h.ReadFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteAll writes all of p at the current offset.
func (h *Handle) WriteAll(p []byte) error {
	n, err := h.f.Write(p)
	at := h.off
	h.off += int64(n)
	if err != nil || n != len(p) {
		return fmt.Errorf("write %d bytes at %d (wrote %d): %w: %v", len(p), at, n, ErrShortIO, err)
	}
	return nil
}

// ReadU64 reads a big-endian u64 from the current offset.
func (h *Handle) ReadU64() (uint64, error) {
	var buf [8]byte
	if err := h.ReadFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// WriteU64 writes v as a big-endian u64 at the current offset.
func (h *Handle) WriteU64(v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return h.WriteAll(buf[:])
}

// ReadString reads a u64 length followed by that many bytes of UTF-8.
func (h *Handle) ReadString() (string, error) {
	n, err := h.ReadU64()
	if err != nil {
		return "", err
	}
	buf, err := h.ReadExact(int(n))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteString writes a u64 length followed by the bytes of s.
func (h *Handle) WriteString(s string) error {
	if err := h.WriteU64(uint64(len(s))); err != nil {
		return err
	}
	return h.WriteAll([]byte(s))
}

// ReadAt fills p starting at the absolute offset off, leaving the
// handle's cursor untouched.
func (h *Handle) ReadAt(p []byte, off uint64) error {
	n, err := h.f.ReadAt(p, int64(off))
	if err != nil {
		return fmt.Errorf("read %d bytes at %d (got %d): %w: %s", len(p), off, n, ErrShortIO, err)
	}
	return nil
}

// WriteAt writes all of p starting at the absolute offset off, leaving
// the handle's cursor untouched.
func (h *Handle) WriteAt(p []byte, off uint64) error {
	n, err := h.f.WriteAt(p, int64(off))
	if err != nil || n != len(p) {
		return fmt.Errorf("write %d bytes at %d (wrote %d): %w: %v", len(p), off, n, ErrShortIO, err)
	}
	return nil
}
