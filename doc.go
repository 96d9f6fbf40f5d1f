// Copyright 2024 The softie Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package softie implements a single-file container of named,
// variable-length, growable byte chunks, built as the storage engine
// for a small embedded full-text search index.
//
// A multifile looks like:
//
//	┌────────────────────────┐
//	│ magic "Sof+"           │  offset 0, 4 bytes
//	├────────────────────────┤
//	│ index pointer (u64 BE) │  offset 4, locates the live catalog
//	├────────────────────────┤
//	│ data region            │  offset 12: chunk ranges and gaps,
//	│                        │  arbitrary order
//	│                        │
//	└────────────────────────┘
//
// The catalog naming and locating every chunk is stored as a chunk
// itself, under the reserved name "$$softie-index$$", and serializes
// as a u64 entry count followed by one record per chunk in name order:
//
//	 0    8       u64 BE: start
//	 8    8       u64 BE: length
//	16    8       u64 BE: name length L
//	24    L       name bytes (UTF-8)
//
// New chunks and chunks that outgrow their slot are placed by a
// first-fit linear scan over the gaps between live ranges.  A chunk
// that cannot grow in place is relocated: its bytes are copied into a
// fresh gap, the tail is zero-filled, and the old range becomes gap
// space.  Names beginning with "$$" are reserved for the engine.
//
// A Multifile is single-threaded: one instance, one goroutine,
// blocking I/O.  Every mutating call serializes the catalog before it
// returns, so reopening the file after any successful call sees every
// chunk written so far.
package softie
