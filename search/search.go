// Copyright 2024 The softie Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package search is the thin full-text layer over a multifile: it
// tokenizes documents and keeps a posting list per term mapping back to
// (document, token offset) pairs.  Everything it stores goes through
// ordinary chunk reads and writes; postings are spread across a fixed
// set of shard chunks keyed by a hash of the term, so a flush only
// rewrites the shards that changed.
package search

import (
	"encoding/binary"
	"fmt"

	"github.com/dgryski/go-farm"

	"github.com/dhasenan/softie"
)

const (
	docsChunk  = "docs"
	shardCount = 16
)

// Posting locates one occurrence of a term: the document id and the
// byte offset of the token within the document's text.
type Posting struct {
	Doc    uint64
	Offset uint64
}

// Index is a full-text index stored in a multifile.  Not safe for
// concurrent use, same as the container under it.
type Index struct {
	mf        *softie.Multifile
	docNames  []string
	docsDirty bool
	shards    [shardCount]map[string][]Posting // nil until loaded
	dirty     [shardCount]bool
}

// Open opens the index stored in the multifile at path, creating it
// when create is true.  Options pass through to softie.Open.
func Open(path string, create bool, opts ...softie.Option) (*Index, error) {
	mf, err := softie.Open(path, create, opts...)
	if err != nil {
		return nil, err
	}
	ix := &Index{mf: mf}
	if err := ix.loadDocs(); err != nil {
		_ = mf.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) loadDocs() error {
	chunk, ok, err := ix.mf.Read(docsChunk)
	if err != nil || !ok {
		return err
	}
	count, off, err := readUvarint(docsChunk, chunk, 0)
	if err != nil {
		return err
	}
	ix.docNames = make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		nameLen, at, err := readUvarint(docsChunk, chunk, off)
		if err != nil {
			return err
		}
		if nameLen > uint64(len(chunk[at:])) {
			return fmt.Errorf("search: docs table: truncated name")
		}
		ix.docNames = append(ix.docNames, string(chunk[at:at+int(nameLen)]))
		off = at + int(nameLen)
	}
	return nil
}

func shardOf(term string) int {
	return int(farm.Hash64([]byte(term)) & (shardCount - 1))
}

func shardName(i int) string {
	return fmt.Sprintf("postings-%02x", i)
}

func (ix *Index) loadShard(i int) (map[string][]Posting, error) {
	if ix.shards[i] != nil {
		return ix.shards[i], nil
	}
	chunk, _, err := ix.mf.Read(shardName(i))
	if err != nil {
		return nil, err
	}
	shard, err := decodeShard(shardName(i), chunk)
	if err != nil {
		return nil, err
	}
	ix.shards[i] = shard
	return shard, nil
}

// Add indexes a document and returns its id.  Postings stay in memory
// until Flush or Close.
func (ix *Index) Add(docName, text string) (uint64, error) {
	id := uint64(len(ix.docNames))
	var err error
	tokenize(text, func(term string, off uint64) {
		if err != nil {
			return
		}
		var shard map[string][]Posting
		i := shardOf(term)
		if shard, err = ix.loadShard(i); err != nil {
			return
		}
		shard[term] = append(shard[term], Posting{Doc: id, Offset: off})
		ix.dirty[i] = true
	})
	if err != nil {
		return 0, err
	}
	ix.docNames = append(ix.docNames, docName)
	ix.docsDirty = true
	return id, nil
}

// Search returns every occurrence of term, in document insertion
// order.  Terms too short to index and stop words match nothing.
func (ix *Index) Search(term string) ([]Posting, error) {
	norm, ok := normalizeTerm(term)
	if !ok {
		return nil, nil
	}
	shard, err := ix.loadShard(shardOf(norm))
	if err != nil {
		return nil, err
	}
	return append([]Posting(nil), shard[norm]...), nil
}

// DocName returns the name a document was added under.
func (ix *Index) DocName(id uint64) (string, bool) {
	if id >= uint64(len(ix.docNames)) {
		return "", false
	}
	return ix.docNames[id], true
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	return len(ix.docNames)
}

// Flush writes the document table and every dirty posting shard back
// into the multifile.
func (ix *Index) Flush() error {
	if ix.docsDirty {
		chunk := binary.AppendUvarint(nil, uint64(len(ix.docNames)))
		for _, name := range ix.docNames {
			chunk = binary.AppendUvarint(chunk, uint64(len(name)))
			chunk = append(chunk, name...)
		}
		if err := ix.mf.Write(docsChunk, 0, chunk); err != nil {
			return err
		}
		ix.docsDirty = false
	}
	for i := 0; i < shardCount; i++ {
		if !ix.dirty[i] {
			continue
		}
		if err := ix.mf.Write(shardName(i), 0, encodeShard(ix.shards[i])); err != nil {
			return err
		}
		ix.dirty[i] = false
	}
	return ix.mf.Flush()
}

// Close flushes and closes the underlying multifile.
func (ix *Index) Close() error {
	if err := ix.Flush(); err != nil {
		_ = ix.mf.Close()
		return err
	}
	return ix.mf.Close()
}
