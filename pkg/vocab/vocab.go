// Package vocab matches metadata key names against sensitive-term vocabularies.
package vocab

import (
	"strings"
	"unicode"
)

// shortTermLen is the length at or below which a term must match a whole
// key token ("id" matches "patient_id" but not "width").
const shortTermLen = 2

// Vocabulary is an ordered set of lowercase terms
type Vocabulary struct {
	terms []string
}

// New creates a vocabulary from terms. Terms are lower-cased and deduplicated.
func New(terms ...string) Vocabulary {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return Vocabulary{terms: out}
}

// Extend returns a new vocabulary containing v's terms followed by more
func (v Vocabulary) Extend(more ...string) Vocabulary {
	all := make([]string, 0, len(v.terms)+len(more))
	all = append(all, v.terms...)
	all = append(all, more...)
	return New(all...)
}

// Terms returns a copy of the vocabulary terms
func (v Vocabulary) Terms() []string {
	cp := make([]string, len(v.terms))
	copy(cp, v.terms)
	return cp
}

// Contains reports whether term is part of the vocabulary
func (v Vocabulary) Contains(term string) bool {
	term = strings.ToLower(term)
	for _, t := range v.terms {
		if t == term {
			return true
		}
	}
	return false
}

// Match returns the first term found in key
func (v Vocabulary) Match(key string) (string, bool) {
	lower := strings.ToLower(key)
	var tokens []string
	for _, t := range v.terms {
		if len(t) > shortTermLen {
			if strings.Contains(lower, t) {
				return t, true
			}
			continue
		}
		if tokens == nil {
			tokens = Tokens(key)
		}
		for _, tok := range tokens {
			if tok == t {
				return t, true
			}
		}
	}
	return "", false
}

// Tokens splits a key into lowercase words on case changes, digits and
// punctuation: "patientID" -> [patient id], "lens_serial-no" -> [lens serial no].
func Tokens(key string) []string {
	var (
		tokens []string
		cur    []rune
	)
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}

	runes := []rune(key)
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r):
			prevLower := i > 0 && unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			prevUpper := i > 0 && unicode.IsUpper(runes[i-1])
			if prevLower || (prevUpper && nextLower) {
				flush()
			}
			cur = append(cur, r)
		case unicode.IsDigit(r):
			if len(cur) > 0 && !unicode.IsDigit(cur[len(cur)-1]) {
				flush()
			}
			cur = append(cur, r)
		default:
			if len(cur) > 0 && unicode.IsDigit(cur[len(cur)-1]) {
				flush()
			}
			cur = append(cur, r)
		}
	}
	flush()
	return tokens
}
