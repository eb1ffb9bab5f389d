package domain

import (
	"strings"
	"unicode"
)

// SearchKey is a normalized part number: trimmed, inner whitespace collapsed,
// upper-cased. Construct it with NormalizeKey.
type SearchKey string

// KeySet is an ordered sequence of search keys as supplied by a caller.
// It may contain duplicates.
type KeySet []SearchKey

// MinKeyLength is the shortest normalized key that is dispatched to backends.
const MinKeyLength = 2

// partSeparators are stripped by the separator normalization level.
const partSeparators = "-/,*&~.%"

// NormalizeKey folds raw caller input into a SearchKey.
func NormalizeKey(raw string) SearchKey {
	return SearchKey(strings.ToUpper(strings.Join(strings.Fields(raw), " ")))
}

// NormalizeKeys normalizes every raw key, preserving order and duplicates.
// Keys that normalize to the empty string are dropped.
func NormalizeKeys(raw []string) KeySet {
	out := make(KeySet, 0, len(raw))
	for _, r := range raw {
		if k := NormalizeKey(r); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Valid reports whether the key is long enough to be searched.
func (k SearchKey) Valid() bool {
	return len([]rune(string(k))) >= MinKeyLength
}

// StripSeparators removes the configured part-number separators and spaces.
func StripSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(partSeparators, r) || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Alnum keeps letters and digits only, upper-cased. It is the canonical form
// used for index lookups across every backend.
func Alnum(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// IndexKey returns the canonical lookup form of the key.
func (k SearchKey) IndexKey() string {
	return Alnum(string(k))
}

// Dedup returns the distinct keys in first-occurrence order.
func (ks KeySet) Dedup() KeySet {
	seen := make(map[SearchKey]struct{}, len(ks))
	out := make(KeySet, 0, len(ks))
	for _, k := range ks {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Strings converts the set to plain strings.
func (ks KeySet) Strings() []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = string(k)
	}
	return out
}
