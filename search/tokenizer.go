// Copyright 2024 The softie Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package search

import (
	"strings"
	"unicode"
)

const minTermLen = 2

// the classic English stop list; these terms are never indexed
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "if": {}, "in": {},
	"into": {}, "is": {}, "it": {}, "no": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "such": {}, "that": {}, "the": {}, "their": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {},
	"to": {}, "was": {}, "will": {}, "with": {},
}

// normalizeTerm lowercases a token and reports whether it is worth
// indexing at all.
func normalizeTerm(tok string) (string, bool) {
	term := strings.ToLower(tok)
	if len(term) < minTermLen {
		return "", false
	}
	if _, stop := stopWords[term]; stop {
		return "", false
	}
	return term, true
}

// tokenize splits text on non-letter, non-digit runs and calls fn with
// each indexable term and the byte offset its token starts at.
func tokenize(text string, fn func(term string, off uint64)) {
	start := -1
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if term, ok := normalizeTerm(text[start:i]); ok {
				fn(term, uint64(start))
			}
			start = -1
		}
	}
	if start >= 0 {
		if term, ok := normalizeTerm(text[start:]); ok {
			fn(term, uint64(start))
		}
	}
}
