package domain

import (
	"fmt"
	"strings"
)

// Mode selects which match classes a search accepts.
type Mode string

const (
	ModeExact  Mode = "exact"
	ModeFuzzy  Mode = "fuzzy"
	ModeHybrid Mode = "hybrid"
)

// ParseMode validates a caller-supplied mode. The empty string selects hybrid.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHybrid, nil
	case ModeExact, ModeFuzzy, ModeHybrid:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown search mode %q", ErrInvalidInput, s)
	}
}

// MatchType classifies how a record matched its key.
type MatchType string

const (
	MatchExact  MatchType = "exact"
	MatchPrefix MatchType = "prefix"
	MatchFuzzy  MatchType = "fuzzy"
)

// Rank orders match classes: lower is better.
func (t MatchType) Rank() int {
	switch t {
	case MatchExact:
		return 0
	case MatchPrefix:
		return 1
	case MatchFuzzy:
		return 2
	default:
		return 3
	}
}

// DefaultMinSimilarity is the fuzzy acceptance threshold.
const DefaultMinSimilarity = 0.6

// Relevance scores.
const (
	ScoreExact          = 100.0
	ScoreSeparatorExact = 95.0
	ScoreAlnumExact     = 90.0
	ScorePrefix         = 80.0
	fuzzyWeight         = 70.0
)

// Match is the outcome of scoring one candidate part number against a key.
type Match struct {
	Type  MatchType
	Score float64
}

// Score classifies part against key under mode. ok is false when the
// candidate does not match at all.
func Score(key SearchKey, part string, mode Mode, minSimilarity float64) (Match, bool) {
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	if NormalizeKey(part) == key {
		return Match{Type: MatchExact, Score: ScoreExact}, true
	}
	if StripSeparators(part) == StripSeparators(string(key)) {
		return Match{Type: MatchExact, Score: ScoreSeparatorExact}, true
	}
	kp, pp := key.IndexKey(), Alnum(part)
	if kp == "" || pp == "" {
		return Match{}, false
	}
	if kp == pp {
		return Match{Type: MatchExact, Score: ScoreAlnumExact}, true
	}
	if mode == ModeExact {
		return Match{}, false
	}
	if mode == ModeHybrid && strings.HasPrefix(pp, kp) {
		return Match{Type: MatchPrefix, Score: ScorePrefix}, true
	}
	if sim := Similarity(kp, pp); sim >= minSimilarity {
		return Match{Type: MatchFuzzy, Score: FuzzyScore(sim)}, true
	}
	return Match{}, false
}

// FuzzyScore maps a similarity in [0,1] onto the fuzzy score band.
func FuzzyScore(similarity float64) float64 {
	return similarity * fuzzyWeight
}

// Levenshtein returns the edit distance between a and b. When limit >= 0 the
// computation stops early and returns limit+1 once a whole row exceeds limit.
func Levenshtein(a, b string, limit int) int {
	ar, br := []rune(a), []rune(b)
	if string(ar) == string(br) {
		return 0
	}
	if len(ar) > len(br) {
		ar, br = br, ar
	}
	if len(ar) == 0 {
		return len(br)
	}
	prev := make([]int, len(ar)+1)
	cur := make([]int, len(ar)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(br); i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= len(ar); j++ {
			cost := 1
			if ar[j-1] == br[i-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
			if cur[j] < rowMin {
				rowMin = cur[j]
			}
		}
		if limit >= 0 && rowMin > limit {
			return limit + 1
		}
		prev, cur = cur, prev
	}
	return prev[len(ar)]
}

// Similarity maps edit distance onto [0,1] relative to the longer string.
func Similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 && lb == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}
	longest := max(la, lb)
	return 1 - float64(Levenshtein(a, b, -1))/float64(longest)
}

// MaxEditDistance is the largest distance that can still reach minSimilarity
// for strings of the given lengths.
func MaxEditDistance(la, lb int, minSimilarity float64) int {
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	return int((1 - minSimilarity) * float64(max(la, lb)))
}
