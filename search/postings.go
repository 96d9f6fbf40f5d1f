// Copyright 2024 The softie Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package search

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/golang/snappy"
)

// A shard serializes as the uvarint byte length of a snappy block
// followed by that block.  The decompressed payload is a uvarint term count, then per
// term (in lexicographic order): uvarint term length, term bytes,
// uvarint posting count, and per posting a uvarint doc id delta against
// the previous posting's doc id plus a uvarint token offset.  Doc ids
// within a term never decrease, documents are indexed in id order.

func encodeShard(shard map[string][]Posting) []byte {
	terms := make([]string, 0, len(shard))
	for term := range shard {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	var plain []byte
	plain = binary.AppendUvarint(plain, uint64(len(terms)))
	for _, term := range terms {
		plain = binary.AppendUvarint(plain, uint64(len(term)))
		plain = append(plain, term...)
		postings := shard[term]
		plain = binary.AppendUvarint(plain, uint64(len(postings)))
		prevDoc := uint64(0)
		for _, p := range postings {
			plain = binary.AppendUvarint(plain, p.Doc-prevDoc)
			plain = binary.AppendUvarint(plain, p.Offset)
			prevDoc = p.Doc
		}
	}

	compressed := snappy.Encode(nil, plain)
	out := binary.AppendUvarint(nil, uint64(len(compressed)))
	return append(out, compressed...)
}

func decodeShard(name string, chunk []byte) (map[string][]Posting, error) {
	shard := make(map[string][]Posting)
	if len(chunk) == 0 {
		return shard, nil
	}
	clen, n := binary.Uvarint(chunk)
	if n <= 0 || clen > uint64(len(chunk[n:])) {
		return nil, fmt.Errorf("search: shard %s: bad frame", name)
	}
	plain, err := snappy.Decode(nil, chunk[n:n+int(clen)])
	if err != nil {
		return nil, fmt.Errorf("search: shard %s: %w", name, err)
	}

	termCount, off, err := readUvarint(name, plain, 0)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < termCount; i++ {
		termLen, at, err := readUvarint(name, plain, off)
		if err != nil {
			return nil, err
		}
		if termLen > uint64(len(plain[at:])) {
			return nil, fmt.Errorf("search: shard %s: truncated term", name)
		}
		term := string(plain[at : at+int(termLen)])
		off = at + int(termLen)

		count, at2, err := readUvarint(name, plain, off)
		if err != nil {
			return nil, err
		}
		off = at2
		postings := make([]Posting, 0, count)
		doc := uint64(0)
		for j := uint64(0); j < count; j++ {
			delta, at, err := readUvarint(name, plain, off)
			if err != nil {
				return nil, err
			}
			tokOff, at3, err := readUvarint(name, plain, at)
			if err != nil {
				return nil, err
			}
			off = at3
			doc += delta
			postings = append(postings, Posting{Doc: doc, Offset: tokOff})
		}
		shard[term] = postings
	}
	return shard, nil
}

func readUvarint(name string, buf []byte, off int) (uint64, int, error) {
	v, n := binary.Uvarint(buf[off:])
	if n <= 0 {
		return 0, 0, fmt.Errorf("search: shard %s: truncated varint at %d", name, off)
	}
	return v, off + n, nil
}
