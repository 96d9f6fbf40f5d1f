// Copyright 2024 The softie Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package softie

import (
	"errors"

	"github.com/dhasenan/softie/internal/binio"
	"github.com/dhasenan/softie/internal/index"
)

var (
	// ErrNotFound means the multifile does not exist and Open was not
	// asked to create it.
	ErrNotFound = errors.New("softie: multifile does not exist")

	// ErrBadMagic means the file exists but does not begin with the
	// multifile magic.
	ErrBadMagic = errors.New("softie: bad magic, not a multifile or corrupted")

	// ErrCorrupted means the serialized index is inconsistent.
	ErrCorrupted = index.ErrCorrupted

	// ErrShortIO wraps a short read or write; the message carries the
	// offset and byte counts.
	ErrShortIO = binio.ErrShortIO

	// ErrSeek wraps a failed seek; the message carries the target offset.
	ErrSeek = binio.ErrSeek

	// ErrClosed means the operation was attempted on a closed Multifile.
	ErrClosed = errors.New("softie: multifile is closed")

	// ErrOutOfSpace means the OS refused to extend the file.
	ErrOutOfSpace = errors.New("softie: out of space")

	// ErrLocked means another Multifile, in this process or another,
	// holds the advisory lock on the path.
	ErrLocked = errors.New("softie: multifile is locked by another process")

	// ErrReservedName means the caller used a name in the $$ namespace.
	ErrReservedName = errors.New("softie: names beginning with $$ are reserved")
)
