// Copyright 2024 The softie Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package softie

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/dhasenan/softie/internal/binio"
	"github.com/dhasenan/softie/internal/index"
)

var magic = []byte{0x53, 0x6F, 0x66, 0x2B} // "Sof+"

const copyBufferSize = 64 * 1024

// Option configures Open.
type Option func(*options)

type options struct {
	logger *slog.Logger
	noLock bool
}

// WithLogger sets an optional logger for the multifile to report chunk
// relocations on, at Debug level.  Catalog rewrites and catalog
// relocations are not logged.  If not provided, no logging output is
// produced.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		opts.logger = logger
	}
}

// WithoutLock skips the advisory lock on <path>.lock.  The caller then
// owns the guarantee that only one Multifile is open over the path.
func WithoutLock() Option {
	return func(opts *options) {
		opts.noLock = true
	}
}

// Multifile is a single-file container of named, growable byte chunks.
// A chunk is created on first write to its name, grown on demand, and
// relocated when it outgrows its slot.  The catalog locating every
// chunk is itself stored as a chunk; the u64 at file offset 4 points at
// its current position.
//
// A Multifile must not be shared between goroutines.
type Multifile struct {
	path   string
	f      *os.File
	h      *binio.Handle
	idx    *index.Index
	flk    *flock.Flock
	logger *slog.Logger
	closed bool
}

// Open opens the multifile at path, creating it when create is true.
// Opening a path that another locked Multifile, in this process or
// another, already holds open fails with ErrLocked unless WithoutLock
// is given; this advisory lock is an
// extension, the format itself leaves concurrent opens undefined.
func Open(path string, create bool, opts ...Option) (*Multifile, error) {
	var options options
	options.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, opt := range opts {
		opt(&options)
	}

	var flk *flock.Flock
	if !options.noLock {
		flk = flock.New(path + ".lock")
		held, err := flk.TryLock()
		if err != nil {
			return nil, fmt.Errorf("flock %s: %w", flk.Path(), err)
		}
		if !held {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
	}
	m, err := open(path, create, options)
	if err != nil {
		if flk != nil {
			_ = flk.Unlock()
		}
		return nil, err
	}
	m.flk = flk
	return m, nil
}

func open(path string, create bool, options options) (*Multifile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if os.IsNotExist(err) {
		if !create {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		if f, err = initFile(path); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	m := &Multifile{
		path:   path,
		f:      f,
		h:      binio.NewHandle(f),
		idx:    index.New(),
		logger: options.logger,
	}
	if err := m.bootstrap(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

// initFile writes the empty container: magic, an index pointer aimed at
// DataStart, and a zero entry count there.
func initFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	h := binio.NewHandle(f)
	if err := h.WriteAll(magic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := h.WriteU64(index.DataStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := h.WriteU64(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sync %s: %w", path, err)
	}
	return f, nil
}

// bootstrap validates the magic and loads the catalog the index
// pointer names.
func (m *Multifile) bootstrap() error {
	if err := m.h.Seek(0); err != nil {
		return err
	}
	got, err := m.h.ReadExact(len(magic))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, magic) {
		return fmt.Errorf("%s begins %x: %w", m.path, got, ErrBadMagic)
	}
	ptr, err := m.h.ReadU64()
	if err != nil {
		return err
	}
	if err := m.h.Seek(ptr); err != nil {
		return err
	}
	if err := m.idx.ReadFrom(m.h); err != nil {
		return fmt.Errorf("index at %d: %w", ptr, err)
	}
	return nil
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("softie: empty chunk name")
	}
	if strings.HasPrefix(name, "$$") {
		return fmt.Errorf("%q: %w", name, ErrReservedName)
	}
	return nil
}

// Read returns the full contents of the named chunk, or ok=false if no
// chunk has that name.
func (m *Multifile) Read(name string) ([]byte, bool, error) {
	if m.closed {
		return nil, false, ErrClosed
	}
	if err := checkName(name); err != nil {
		return nil, false, err
	}
	e, ok := m.idx.Lookup(name)
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, e.Length)
	if err := m.h.ReadAt(buf, e.Start); err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

// ReadAt returns up to count bytes of the named chunk starting at off.
// A missing name, or an off at or past the end of the chunk, yields an
// empty slice.
func (m *Multifile) ReadAt(name string, off, count uint64) ([]byte, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	e, ok := m.idx.Lookup(name)
	if !ok || off >= e.Length {
		return nil, nil
	}
	if rest := e.Length - off; count > rest {
		count = rest
	}
	buf := make([]byte, count)
	if err := m.h.ReadAt(buf, e.Start+off); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write stores p at off within the named chunk, creating or growing the
// chunk as needed and syncing before returning.  Bytes between the old
// length and off, if any, are left undefined.  An empty p is a no-op.
func (m *Multifile) Write(name string, off uint64, p []byte) error {
	if m.closed {
		return ErrClosed
	}
	if err := checkName(name); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	e, err := m.getOrGrow(name, off+uint64(len(p)))
	if err != nil {
		return err
	}
	if err := m.h.WriteAt(p, e.Start+off); err != nil {
		return err
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", m.path, err)
	}
	return nil
}

// Manipulate maps the named chunk shared read/write and hands the
// mapped bytes to fn, growing the chunk to at least minLength first.
// The mapping is torn down on every exit path, including a panic in fn.
// Dirtied pages reach disk when the OS decides to, or on Flush.
func (m *Multifile) Manipulate(name string, minLength uint64, fn func([]byte) error) error {
	if m.closed {
		return ErrClosed
	}
	if err := checkName(name); err != nil {
		return err
	}
	if minLength == 0 {
		return fmt.Errorf("softie: manipulate %q: minimum length must be positive", name)
	}
	e, err := m.getOrGrow(name, minLength)
	if err != nil {
		return err
	}
	// a freshly allocated range can extend past EOF; the mapping
	// needs every page backed by the file
	st, err := m.f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", m.path, err)
	}
	if uint64(st.Size()) < e.End() {
		if err := unix.Ftruncate(int(m.f.Fd()), int64(e.End())); err != nil {
			return fmt.Errorf("extend %s to %d: %w: %s", m.path, e.End(), ErrOutOfSpace, err)
		}
	}
	mp, err := mapRange(m.f, e.Start, e.Length)
	if err != nil {
		return err
	}
	defer mp.Close()
	return fn(mp.Data())
}

// Flush serializes the catalog and syncs the file.
func (m *Multifile) Flush() error {
	if m.closed {
		return ErrClosed
	}
	if err := m.idx.WriteTo(m.h); err != nil {
		return err
	}
	if err := m.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", m.path, err)
	}
	return nil
}

// Close flushes and releases the file handle.  Every later operation,
// including a second Close, fails with ErrClosed.
func (m *Multifile) Close() error {
	if m.closed {
		return ErrClosed
	}
	err := m.Flush()
	if cerr := m.f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", m.path, cerr)
	}
	if m.flk != nil {
		if uerr := m.flk.Unlock(); err == nil && uerr != nil {
			err = fmt.Errorf("unlock %s: %w", m.flk.Path(), uerr)
		}
	}
	m.closed = true
	return err
}

// getOrGrow returns an entry for name whose length is at least
// minLength, creating, growing or relocating the chunk and serializing
// the catalog whenever it mutates.
func (m *Multifile) getOrGrow(name string, minLength uint64) (index.Entry, error) {
	e, ok := m.idx.Lookup(name)
	if !ok {
		e, err := m.idx.Create(name, minLength)
		if err != nil {
			return index.Entry{}, err
		}
		if err := m.idx.WriteTo(m.h); err != nil {
			return index.Entry{}, err
		}
		return e, nil
	}
	if e.Length >= minLength {
		return e, nil
	}
	if m.idx.ResizeInPlace(&e, minLength) {
		if err := m.idx.WriteTo(m.h); err != nil {
			return index.Entry{}, err
		}
		return e, nil
	}
	return m.relocate(e, minLength)
}

// relocate moves a chunk that cannot grow in place: copy its bytes into
// a fresh gap, zero-fill the tail, retire the old range, take over the
// name.  Syncs before returning.
func (m *Multifile) relocate(e index.Entry, minLength uint64) (index.Entry, error) {
	tmp, err := m.idx.Create(index.TmpResizeName, minLength)
	if err != nil {
		return index.Entry{}, err
	}
	if err := m.copyRange(e.Start, tmp.Start, e.Length); err != nil {
		return index.Entry{}, err
	}
	if err := m.zeroRange(tmp.Start+e.Length, minLength-e.Length); err != nil {
		return index.Entry{}, err
	}
	m.idx.Remove(e)
	m.idx.Rename(&tmp, e.Name)
	if err := m.idx.WriteTo(m.h); err != nil {
		return index.Entry{}, err
	}
	if err := m.f.Sync(); err != nil {
		return index.Entry{}, fmt.Errorf("sync %s: %w", m.path, err)
	}
	m.logger.Debug("relocated chunk",
		"name", tmp.Name, "from", e.Start, "to", tmp.Start,
		"length", tmp.Length)
	return tmp, nil
}

func (m *Multifile) copyRange(from, to, length uint64) error {
	buf := make([]byte, copyBufferSize)
	for length > 0 {
		n := uint64(len(buf))
		if n > length {
			n = length
		}
		if err := m.h.ReadAt(buf[:n], from); err != nil {
			return err
		}
		if err := m.h.WriteAt(buf[:n], to); err != nil {
			return err
		}
		from += n
		to += n
		length -= n
	}
	return nil
}

func (m *Multifile) zeroRange(at, length uint64) error {
	buf := make([]byte, copyBufferSize)
	for length > 0 {
		n := uint64(len(buf))
		if n > length {
			n = length
		}
		if err := m.h.WriteAt(buf[:n], at); err != nil {
			return err
		}
		at += n
		length -= n
	}
	return nil
}
