// Package naming canonicalises candidate model names.
//
// A model name is an additive combination of terms joined by "+", e.g.
// "pauliSet_1J2_zJz_d2+pauliSet_1_x_d2". Two names built from the same multiset
// of terms describe the same model, so every name that enters a search tree is
// first reduced to its canonical form: terms trimmed, empty terms dropped, terms
// sorted lexically and re-joined.
package naming

import (
	"sort"
	"strconv"
	"strings"
)

// TermSeparator joins the additive terms of a model name.
const TermSeparator = "+"

// Terms returns the trimmed, non-empty terms of name in their original order.
func Terms(name string) []string {
	raw := strings.Split(name, TermSeparator)
	terms := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

// Canonical returns the canonical form of name.
//
// Expectations:
//   - "B+A" and "A+B" canonicalise to "A+B"
//   - Whitespace around terms is removed
//   - Empty terms ("A++B", "+A") are dropped
//   - Repeated terms are kept (the term multiset is preserved)
//   - Canonical(Canonical(x)) == Canonical(x)
func Canonical(name string) string {
	terms := Terms(name)
	sort.Strings(terms)
	return strings.Join(terms, TermSeparator)
}

// Equivalent reports whether a and b name the same model.
func Equivalent(a, b string) bool {
	return Canonical(a) == Canonical(b)
}

// Dedupe canonicalises names and drops later duplicates, keeping the order of
// first occurrence. Names that canonicalise to "" are dropped.
func Dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		c := Canonical(n)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// NumQubits returns the system dimension encoded in name, read from the "_dN"
// suffix of its terms. The largest dimension across terms wins; 0 when no term
// carries one.
func NumQubits(name string) int {
	dim := 0
	for _, term := range Terms(name) {
		for _, part := range strings.Split(term, "_") {
			if len(part) < 2 || part[0] != 'd' {
				continue
			}
			n, err := strconv.Atoi(part[1:])
			if err != nil {
				continue
			}
			if n > dim {
				dim = n
			}
		}
	}
	return dim
}

// Join builds a canonical name out of terms.
func Join(terms ...string) string {
	return Canonical(strings.Join(terms, TermSeparator))
}

// HasTerm reports whether term is one of name's terms.
func HasTerm(name, term string) bool {
	term = strings.TrimSpace(term)
	for _, t := range Terms(name) {
		if t == term {
			return true
		}
	}
	return false
}
