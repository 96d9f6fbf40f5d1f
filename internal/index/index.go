// Copyright 2024 The softie Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package index maintains the catalog of chunks inside a multifile: a
// by-name view for lookups and a by-start view for gap finding, kept in
// sync under every mutation.  The catalog stores itself as one of the
// chunks it manages; the u64 at PointerPos is the bootstrap pointer to
// its current serialized form.
package index

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dhasenan/softie/internal/binio"
)

const (
	// SelfName is the reserved name of the chunk holding the
	// serialized catalog itself.
	SelfName = "$$softie-index$$"

	// TmpResizeName is the reserved name a chunk carries while it is
	// being relocated.  Never visible to a well-behaved client.
	TmpResizeName = "$$softie-tmp-resize"

	// PointerPos is the file offset of the u64 locating the live
	// serialized catalog.
	PointerPos = 4

	// DataStart is the first byte offset available to chunks, past
	// the 4-byte magic and the 8-byte index pointer.
	DataStart = 12
)

var ErrCorrupted = errors.New("softie: index corrupted")

// Index is the in-memory catalog.  byName and byStart hold the same
// entry values; size tracks the serialized byte length (the u64 count
// plus every entry record) so the allocator knows how much room the
// catalog needs next time it writes itself out.
type Index struct {
	byName  map[string]Entry
	byStart []Entry // sorted by Start, never overlapping
	size    uint64
}

func New() *Index {
	return &Index{
		byName: make(map[string]Entry),
		size:   8, // the count word
	}
}

func (x *Index) Len() int {
	return len(x.byName)
}

// Size returns the byte length the catalog serializes to right now.
func (x *Index) Size() uint64 {
	return x.size
}

// Lookup returns the live entry for name, or a zero-length miss.
func (x *Index) Lookup(name string) (Entry, bool) {
	e, ok := x.byName[name]
	return e, ok
}

// NextByStart returns the live entry with the smallest start strictly
// greater than e's.
func (x *Index) NextByStart(e Entry) (Entry, bool) {
	i := sort.Search(len(x.byStart), func(i int) bool {
		return x.byStart[i].Start > e.Start
	})
	if i == len(x.byStart) {
		return Entry{}, false
	}
	return x.byStart[i], true
}

// EachByStart calls fn for every live entry in ascending start order,
// stopping early if fn returns false.
func (x *Index) EachByStart(fn func(Entry) bool) {
	for _, e := range x.byStart {
		if !fn(e) {
			return
		}
	}
}

// Insert adds e to both views.  The name must not already be present;
// the range must not overlap a live entry.
func (x *Index) Insert(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("insert: empty name: %w", ErrCorrupted)
	}
	if _, ok := x.byName[e.Name]; ok {
		return fmt.Errorf("insert: duplicate name %q: %w", e.Name, ErrCorrupted)
	}
	i := sort.Search(len(x.byStart), func(i int) bool {
		return x.byStart[i].Start >= e.Start
	})
	x.byStart = append(x.byStart, Entry{})
	copy(x.byStart[i+1:], x.byStart[i:])
	x.byStart[i] = e
	x.byName[e.Name] = e
	x.size += e.HeaderSize()
	return nil
}

// Remove drops the live entry with e's name from both views.
func (x *Index) Remove(e Entry) {
	live, ok := x.byName[e.Name]
	if !ok {
		return
	}
	delete(x.byName, e.Name)
	i := sort.Search(len(x.byStart), func(i int) bool {
		return x.byStart[i].Start >= live.Start
	})
	x.byStart = append(x.byStart[:i], x.byStart[i+1:]...)
	x.size -= live.HeaderSize()
}

// ResizeInPlace grows e to newLength if its neighbour by start leaves
// room.  Reports whether the resize happened; on false the caller must
// relocate instead.
func (x *Index) ResizeInPlace(e *Entry, newLength uint64) bool {
	if next, ok := x.NextByStart(*e); ok && next.Start < e.Start+newLength {
		return false
	}
	x.Remove(*e)
	e.Length = newLength
	if err := x.Insert(*e); err != nil {
		// the name was just removed, re-insert cannot collide
		panic(err)
	}
	return true
}

// Rename moves e to newName, keeping its range.  Used only as the
// second half of a relocation.
func (x *Index) Rename(e *Entry, newName string) {
	x.Remove(*e)
	e.Name = newName
	if err := x.Insert(*e); err != nil {
		panic(err)
	}
}

// Create allocates a gap big enough for length bytes, inserts an entry
// for it and returns the entry.
func (x *Index) Create(name string, length uint64) (Entry, error) {
	e := Entry{Name: name, Start: x.FindGap(length), Length: length}
	if err := x.Insert(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// FindGap returns the lowest offset at or past DataStart where length
// bytes fit without overlapping any live range: first fit, linear scan,
// appending past the used region if no interior gap is wide enough.
func (x *Index) FindGap(length uint64) uint64 {
	last := uint64(DataStart)
	for _, e := range x.byStart {
		if last+length <= e.Start {
			return last
		}
		last = e.End()
	}
	return last
}

// WriteTo serializes the catalog into its own chunk, relocating that
// chunk first if the serialized form has outgrown its slot.  The u64 at
// PointerPos is updated to the chunk's start.  Syncing is the caller's
// responsibility.
func (x *Index) WriteTo(h *binio.Handle) error {
	self, ok := x.byName[SelfName]
	if !ok {
		return x.writeToNewSection(h)
	}
	if next, ok := x.NextByStart(self); ok && next.Start < self.Start+x.size {
		x.Remove(self)
		return x.writeToNewSection(h)
	}
	if x.size > self.Length {
		// no neighbour within size bytes, so the slot can stretch to
		// keep the self entry covering the serialized bytes
		if !x.ResizeInPlace(&self, x.size) {
			panic("index: self entry resize within checked room failed")
		}
	}
	return x.writeAt(h, self.Start)
}

func (x *Index) writeToNewSection(h *binio.Handle) error {
	e := Entry{Name: SelfName}
	reserved := x.size + e.HeaderSize()
	reserved += reserved >> 1 // growth margin, amortizes relocation
	e.Length = reserved
	e.Start = x.FindGap(reserved)
	if err := x.Insert(e); err != nil {
		return err
	}
	return x.writeAt(h, e.Start)
}

// writeAt serializes every entry record in by-name order at start, then
// points PointerPos at it.
func (x *Index) writeAt(h *binio.Handle, start uint64) error {
	if err := h.Seek(start); err != nil {
		return err
	}
	if err := h.WriteU64(uint64(len(x.byName))); err != nil {
		return err
	}
	names := make([]string, 0, len(x.byName))
	for name := range x.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e := x.byName[name]
		if err := h.WriteU64(e.Start); err != nil {
			return err
		}
		if err := h.WriteU64(e.Length); err != nil {
			return err
		}
		if err := h.WriteString(e.Name); err != nil {
			return err
		}
	}
	if err := h.Seek(PointerPos); err != nil {
		return err
	}
	return h.WriteU64(start)
}

// ReadFrom deserializes the catalog from the handle's current offset,
// rebuilding size through the inserts.  Duplicate names, zero lengths,
// ranges before DataStart and overlapping ranges are corruption.
func (x *Index) ReadFrom(h *binio.Handle) error {
	count, err := h.ReadU64()
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		var e Entry
		if e.Start, err = h.ReadU64(); err != nil {
			return err
		}
		if e.Length, err = h.ReadU64(); err != nil {
			return err
		}
		if e.Name, err = h.ReadString(); err != nil {
			return err
		}
		if e.Length == 0 {
			return fmt.Errorf("entry %q has zero length: %w", e.Name, ErrCorrupted)
		}
		if e.Start < DataStart {
			return fmt.Errorf("entry %q starts at %d, before the data region: %w", e.Name, e.Start, ErrCorrupted)
		}
		if err := x.Insert(e); err != nil {
			return err
		}
	}
	var prev Entry
	for _, e := range x.byStart {
		if prev.Exists() && prev.End() > e.Start {
			return fmt.Errorf("entries %q and %q overlap: %w", prev.Name, e.Name, ErrCorrupted)
		}
		prev = e
	}
	return nil
}
