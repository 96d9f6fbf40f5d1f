// Copyright 2024 The softie Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package softie

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhasenan/softie/internal/index"
)

func mustOpen(t *testing.T, path string, create bool) *Multifile {
	t.Helper()
	m, err := Open(path, create)
	require.NoError(t, err)
	return m
}

func readIndexPointer(t *testing.T, path string) uint64 {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), index.DataStart)
	return binary.BigEndian.Uint64(raw[4:12])
}

// checkInvariants verifies the catalog invariants that must hold in
// every reachable state: non-overlap, view agreement, size accounting
// and self-hosting.
func checkInvariants(t *testing.T, m *Multifile) {
	t.Helper()

	var prev index.Entry
	count := 0
	size := uint64(8)
	m.idx.EachByStart(func(e index.Entry) bool {
		require.True(t, e.Exists(), "entry %q has zero length", e.Name)
		require.GreaterOrEqual(t, e.Start, uint64(index.DataStart))
		if prev.Exists() {
			require.LessOrEqual(t, prev.End(), e.Start,
				"entries %q and %q overlap", prev.Name, e.Name)
		}
		byName, ok := m.idx.Lookup(e.Name)
		require.True(t, ok, "entry %q missing from by-name view", e.Name)
		require.Equal(t, e, byName)
		prev = e
		count++
		size += e.HeaderSize()
		return true
	})
	require.Equal(t, m.idx.Len(), count, "view cardinality mismatch")
	require.Equal(t, size, m.idx.Size(), "size accounting drifted")

	self, ok := m.idx.Lookup(index.SelfName)
	if count > 0 {
		require.True(t, ok, "no self entry")
		require.Equal(t, self.Start, readIndexPointer(t, m.path))
		require.GreaterOrEqual(t, self.Length, m.idx.Size())
	}
}

func TestCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")
	fib := []byte{1, 1, 2, 3, 5, 8, 13, 21, 34, 55}
	tar := []byte("A british tar is a soaring soul")

	m := mustOpen(t, path, true)
	require.NoError(t, m.Write("r1", 0, fib))
	require.NoError(t, m.Write("r2", 0, tar))
	checkInvariants(t, m)
	require.NoError(t, m.Close())

	m = mustOpen(t, path, false)
	defer m.Close()
	checkInvariants(t, m)

	got, ok, err := m.Read("r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fib, got)

	got, ok, err = m.Read("r2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tar, got)
}

func TestInPlaceExtendAndPatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")

	m := mustOpen(t, path, true)
	require.NoError(t, m.Write("r1", 0, []byte{1, 1, 2, 3, 5, 8, 13, 21, 34, 55}))
	require.NoError(t, m.Write("r2", 0, []byte("A british tar is a soaring soul")))
	require.NoError(t, m.Write("r2", 31, []byte(" as free as a mountain bird")))
	require.NoError(t, m.Write("r1", 8, []byte{3, 1, 4, 1, 5, 9}))
	checkInvariants(t, m)
	require.NoError(t, m.Close())

	m = mustOpen(t, path, false)
	defer m.Close()

	got, ok, err := m.Read("r2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("A british tar is a soaring soul as free as a mountain bird"), got)

	got, ok, err = m.Read("r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 1, 2, 3, 5, 8, 13, 21, 3, 1, 4, 1, 5, 9}, got)
}

func TestOverwriteSameLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")
	m := mustOpen(t, path, true)
	defer m.Close()

	require.NoError(t, m.Write("r", 0, []byte("aaaaaaaaaa")))
	require.NoError(t, m.Write("r", 3, []byte("XYZ")))

	got, ok, err := m.Read("r")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("aaaXYZaaaa"), got)
}

func TestForcedRelocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")
	m := mustOpen(t, path, true)
	defer m.Close()

	a := []byte("aaaaaaaaaaaaaaaa")
	b := []byte("bbbbbbbbbbbbbbbb")
	c := []byte("cccccccccccccccc")
	require.NoError(t, m.Write("A", 0, a))
	require.NoError(t, m.Write("B", 0, b))
	require.NoError(t, m.Write("C", 0, c))

	before, ok := m.idx.Lookup("A")
	require.True(t, ok)

	// grow A far past its neighbour so it cannot resize in place
	const grown = 4096
	require.NoError(t, m.Manipulate("A", grown, func(data []byte) error {
		require.Len(t, data, grown)
		return nil
	}))

	after, ok := m.idx.Lookup("A")
	require.True(t, ok)
	assert.NotEqual(t, before.Start, after.Start, "A should have moved")
	assert.Equal(t, uint64(grown), after.Length)
	checkInvariants(t, m)

	got, ok, err := m.Read("A")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got, grown)
	assert.Equal(t, a, got[:len(a)])
	for i := len(a); i < grown; i++ {
		require.Zero(t, got[i], "byte %d of the relocated tail is not zero", i)
	}

	got, ok, err = m.Read("B")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, got)

	got, ok, err = m.Read("C")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c, got)

	// the retired temp name must not survive relocation
	_, ok = m.idx.Lookup(index.TmpResizeName)
	assert.False(t, ok)
}

func TestIndexRelocation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")
	m := mustOpen(t, path, true)

	require.NoError(t, m.Write("seed", 0, []byte("x")))
	initial := readIndexPointer(t, path)

	contents := map[string][]byte{"seed": []byte("x")}
	for i := 0; i < 64; i++ {
		name := fmt.Sprintf("entry-%03d", i)
		payload := []byte(fmt.Sprintf("payload %03d", i))
		require.NoError(t, m.Write(name, 0, payload))
		contents[name] = payload
	}
	checkInvariants(t, m)
	moved := readIndexPointer(t, path)
	assert.NotEqual(t, initial, moved, "the catalog never relocated")
	require.NoError(t, m.Close())

	m = mustOpen(t, path, false)
	defer m.Close()
	checkInvariants(t, m)
	require.Equal(t, len(contents)+1, m.idx.Len()) // + the self entry
	for name, want := range contents {
		got, ok, err := m.Read(name)
		require.NoError(t, err)
		require.True(t, ok, "lost %q across reopen", name)
		assert.Equal(t, want, got)
	}
}

func TestBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")
	require.NoError(t, os.WriteFile(path, []byte("XXXX then some trailing bytes"), 0644))

	_, err := Open(path, false)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.sfm")

	_, err := Open(path, false)
	require.ErrorIs(t, err, ErrNotFound)

	m := mustOpen(t, path, true)
	defer m.Close()
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, ok, err := m.Read("anything")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadAtBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")
	m := mustOpen(t, path, true)
	defer m.Close()

	require.NoError(t, m.Write("r", 0, []byte("hello world")))

	got, err := m.ReadAt("r", 6, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	// count clamps to the end of the chunk
	got, err = m.ReadAt("r", 6, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	// offset at or past the end yields an empty slice
	got, err = m.ReadAt("r", 11, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = m.ReadAt("nope", 0, 4)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestManipulatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")
	m := mustOpen(t, path, true)

	require.NoError(t, m.Write("r", 0, []byte("abcdef")))
	require.NoError(t, m.Manipulate("r", 6, func(data []byte) error {
		require.Len(t, data, 6)
		for i := range data {
			data[i] = byte('A' + i)
		}
		return nil
	}))

	// mapped writes must be visible to stream reads on the same handle
	got, ok, err := m.Read("r")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("ABCDEF"), got)
	require.NoError(t, m.Close())

	// and survive close
	m = mustOpen(t, path, false)
	defer m.Close()
	got, ok, err = m.Read("r")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("ABCDEF"), got)
}

func TestManipulateUnmapsOnPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")
	m := mustOpen(t, path, true)
	defer m.Close()

	require.Panics(t, func() {
		_ = m.Manipulate("r", 8, func(data []byte) error {
			panic("closure blew up")
		})
	})

	// the container must still be usable
	require.NoError(t, m.Manipulate("r", 8, func(data []byte) error {
		data[0] = 0xFF
		return nil
	}))
	got, ok, err := m.Read("r")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, byte(0xFF), got[0])
}

func TestClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")
	m := mustOpen(t, path, true)
	require.NoError(t, m.Write("r", 0, []byte("x")))
	require.NoError(t, m.Close())

	_, _, err := m.Read("r")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.ReadAt("r", 0, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Write("r", 0, []byte("y")), ErrClosed)
	assert.ErrorIs(t, m.Manipulate("r", 1, func([]byte) error { return nil }), ErrClosed)
	assert.ErrorIs(t, m.Flush(), ErrClosed)
	assert.ErrorIs(t, m.Close(), ErrClosed)
}

func TestLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")
	m := mustOpen(t, path, true)
	defer m.Close()

	_, err := Open(path, false)
	require.ErrorIs(t, err, ErrLocked)

	// callers managing their own exclusion can opt out
	m2, err := Open(path, false, WithoutLock())
	require.NoError(t, err)
	require.NoError(t, m2.Close())
}

func TestReservedNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")
	m := mustOpen(t, path, true)
	defer m.Close()

	assert.ErrorIs(t, m.Write("$$mine", 0, []byte("x")), ErrReservedName)
	_, _, err := m.Read(index.SelfName)
	assert.ErrorIs(t, err, ErrReservedName)
	assert.ErrorIs(t, m.Manipulate("$$mine", 1, func([]byte) error { return nil }), ErrReservedName)
}

func TestManySubfilesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.sfm")
	m := mustOpen(t, path, true)

	contents := make(map[string][]byte)
	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("chunk-%04d", i)
		payload := make([]byte, 1+i%97)
		for j := range payload {
			payload[j] = byte(i + j)
		}
		require.NoError(t, m.Write(name, 0, payload))
		contents[name] = payload
	}
	checkInvariants(t, m)
	require.NoError(t, m.Close())

	m = mustOpen(t, path, false)
	defer m.Close()
	for name, want := range contents {
		got, ok, err := m.Read(name)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got, "mismatch for %q", name)
	}
}
