// Copyright 2024 The softie Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

// Entry describes one named chunk: where it starts in the file and how
// many bytes it owns.  It is a pure value; the catalog hands out copies.
type Entry struct {
	Name   string
	Start  uint64
	Length uint64
}

// End returns the first byte offset past the entry's range.
func (e Entry) End() uint64 {
	return e.Start + e.Length
}

// HeaderSize returns the serialized size of this entry's record:
// start, length and name length as u64s, then the name bytes.
func (e Entry) HeaderSize() uint64 {
	return uint64(len(e.Name)) + 3*8
}

// Exists distinguishes a found entry from the zero-length lookup-miss
// sentinel.  Stored entries always have Length > 0.
func (e Entry) Exists() bool {
	return e.Length > 0
}
