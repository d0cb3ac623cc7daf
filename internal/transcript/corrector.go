// Package transcript corrects mishearings of domain vocabulary in
// speech-to-text output.
//
// Speech models garble exactly the words a deployment cares about most:
// product names, jargon, invented terms. The [Corrector] snaps transcribed
// spans back to a configured vocabulary in two gates:
//
//  1. Phonetic candidacy: Double Metaphone codes are computed for the span
//     and the vocabulary term. A shared code admits the term at the lower
//     phonetic threshold; without one the term must clear a stricter fuzzy
//     threshold instead.
//  2. Jaro-Winkler ranking: candidates are scored by string similarity
//     (case-insensitive) and the best one that clears its threshold
//     replaces the span. Phonetic candidates always outrank fuzzy ones.
//
// Multi-word terms are matched over sliding word windows, longest window
// first. A window with as many words as the term is compared word by word
// and scored by its weakest pair, so one strong word cannot drag unrelated
// neighbours into a match. A window with a different word count is only
// considered as a pure split or join mishearing ("vox pipe" for "voxpipe")
// and must spell the term letter for letter in length. Windows never cross
// punctuation and spans shorter than three characters are never rewritten.
//
// The vocabulary can be swapped at runtime with [Corrector.SetVocabulary];
// Correct is safe for concurrent use.
package transcript

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// minSpanLen keeps function words ("a", "to", "is") out of correction.
	minSpanLen = 3
)

// Correction records one vocabulary substitution made by [Corrector.Correct].
type Correction struct {
	// Original is the span as transcribed, lowercased.
	Original string

	// Term is the vocabulary term that replaced it.
	Term string

	// Score is the Jaro-Winkler similarity that accepted the match, in (0, 1].
	Score float64
}

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum similarity required of a term that
// shares a phonetic code with the span. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum similarity required of a term with no
// phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

type codeSet map[string]struct{}

// term is a vocabulary entry with everything Correct needs precomputed.
type term struct {
	canonical   string // as configured, casing preserved
	lower       string
	tokens      []string
	joined      string // tokens concatenated without spaces
	tokenCodes  []codeSet
	joinedCodes codeSet
}

// Corrector matches transcript spans against a vocabulary. Matching state is
// precomputed by [Corrector.SetVocabulary] so the per-turn Correct path stays
// cheap.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	mu       sync.RWMutex
	vocab    []term
	maxWords int
}

// New returns a Corrector over the given vocabulary terms. Blank terms are
// dropped.
func New(terms []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.SetVocabulary(terms)
	return c
}

// SetVocabulary replaces the term list. Safe to call while Correct runs.
func (c *Corrector) SetVocabulary(terms []string) {
	vocab := make([]term, 0, len(terms))
	maxWords := 0
	for _, raw := range terms {
		canonical := strings.TrimSpace(raw)
		if canonical == "" {
			continue
		}
		lower := strings.ToLower(canonical)
		tokens := strings.Fields(lower)
		if len(tokens) > maxWords {
			maxWords = len(tokens)
		}
		joined := strings.Join(tokens, "")
		tokenCodes := make([]codeSet, len(tokens))
		for i, tok := range tokens {
			tokenCodes[i] = phoneticCodes(tok)
		}
		vocab = append(vocab, term{
			canonical:   canonical,
			lower:       lower,
			tokens:      tokens,
			joined:      joined,
			tokenCodes:  tokenCodes,
			joinedCodes: phoneticCodes(joined),
		})
	}

	c.mu.Lock()
	c.vocab = vocab
	c.maxWords = maxWords
	c.mu.Unlock()
}

// Correct returns text with recognised vocabulary spans replaced by their
// canonical forms, plus the substitutions made. A span that differs from its
// term only by case is canonicalised silently and not reported. With an
// empty vocabulary the text is returned unchanged.
func (c *Corrector) Correct(text string) (string, []Correction) {
	c.mu.RLock()
	vocab, maxWords := c.vocab, c.maxWords
	c.mu.RUnlock()

	if len(vocab) == 0 {
		return text, nil
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return text, nil
	}

	// Split each field into surrounding punctuation and the lowered core
	// used for matching.
	lead := make([]string, len(fields))
	core := make([]string, len(fields))
	trail := make([]string, len(fields))
	for i, f := range fields {
		lead[i], core[i], trail[i] = splitPunct(f)
		core[i] = strings.ToLower(core[i])
	}

	out := make([]string, 0, len(fields))
	var corrections []Correction

	i := 0
	for i < len(fields) {
		// One window past the longest term lets a term transcribed as an
		// extra word rejoin ("signal fox trot" for "signal foxtrot").
		maxN := min(maxWords+1, len(fields)-i)

		matched := false
		for n := maxN; n >= 1; n-- {
			if !windowClean(lead, trail, i, n) {
				continue
			}
			spanTokens := core[i : i+n]
			span := strings.Join(spanTokens, " ")
			if len(span) < minSpanLen {
				continue
			}
			t, score, ok := c.match(spanTokens, vocab)
			if !ok {
				continue
			}
			out = append(out, lead[i]+t.canonical+trail[i+n-1])
			if span != t.lower {
				corrections = append(corrections, Correction{Original: span, Term: t.canonical, Score: score})
			}
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, fields[i])
			i++
		}
	}

	return strings.Join(out, " "), corrections
}

// match finds the vocabulary term most similar to the span. Phonetic
// candidates always outrank fuzzy ones; within each group the best score
// wins.
func (c *Corrector) match(spanTokens []string, vocab []term) (term, float64, bool) {
	spanJoined := strings.Join(spanTokens, "")
	spanCodes := make([]codeSet, len(spanTokens))
	for i, tok := range spanTokens {
		spanCodes[i] = phoneticCodes(tok)
	}
	var spanJoinedCodes codeSet
	if len(spanTokens) == 1 {
		spanJoinedCodes = spanCodes[0]
	} else {
		spanJoinedCodes = phoneticCodes(spanJoined)
	}

	var (
		best      term
		bestScore float64
		bestPhon  bool
		found     bool
	)
	for _, t := range vocab {
		score, phonetic, ok := compare(spanTokens, spanJoined, spanCodes, spanJoinedCodes, t)
		if !ok {
			continue
		}
		threshold := c.fuzzyThreshold
		if phonetic {
			threshold = c.phoneticThreshold
		}
		if score < threshold {
			continue
		}
		switch {
		case !found:
		case phonetic != bestPhon:
			if !phonetic {
				continue
			}
		case score <= bestScore:
			continue
		}
		best, bestScore, bestPhon, found = t, score, phonetic, true
	}
	return best, bestScore, found
}

// compare scores the span against one term. The boolean results are whether
// the term is a phonetic candidate and whether the pairing is admissible at
// all.
func compare(spanTokens []string, spanJoined string, spanCodes []codeSet, spanJoinedCodes codeSet, t term) (float64, bool, bool) {
	if len(spanTokens) != len(t.tokens) {
		// Different word counts are only admissible as a pure split or
		// join of the term, which preserves the letters exactly.
		if len(spanJoined) != len(t.joined) {
			return 0, false, false
		}
		score := matchr.JaroWinkler(spanJoined, t.joined, false)
		return score, codesOverlap(spanJoinedCodes, t.joinedCodes), true
	}

	if len(spanTokens) == 1 {
		// A lone token has no neighbours anchoring the match, so it must
		// be close in length to the term or a prefix would score high.
		if !lengthsComparable(spanJoined, t.joined) {
			return 0, false, false
		}
		score := matchr.JaroWinkler(spanJoined, t.joined, false)
		return score, codesOverlap(spanJoinedCodes, t.joinedCodes), true
	}

	// Equal word counts: compare aligned words and take the weakest pair,
	// so one strong word cannot carry unrelated neighbours. Phonetic
	// candidacy requires every pair to correspond.
	score := 1.0
	phonetic := true
	for i, tok := range spanTokens {
		s := matchr.JaroWinkler(tok, t.tokens[i], false)
		if s < score {
			score = s
		}
		if tok != t.tokens[i] && !codesOverlap(spanCodes[i], t.tokenCodes[i]) {
			phonetic = false
		}
	}
	return score, phonetic, true
}

// lengthsComparable reports whether the shorter string is at least three
// quarters the length of the longer.
func lengthsComparable(a, b string) bool {
	shorter, longer := len(a), len(b)
	if shorter > longer {
		shorter, longer = longer, shorter
	}
	return 4*shorter >= 3*longer
}

// phoneticCodes returns the Double Metaphone codes of s. All-vowel or
// non-alphabetic strings may produce none.
func phoneticCodes(s string) codeSet {
	codes := make(codeSet, 2)
	primary, secondary := matchr.DoubleMetaphone(s)
	if primary != "" {
		codes[primary] = struct{}{}
	}
	if secondary != "" {
		codes[secondary] = struct{}{}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b codeSet) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// windowClean reports whether the n-token window starting at i carries no
// punctuation at its interior boundaries. A window never straddles a comma
// or a sentence end.
func windowClean(lead, trail []string, i, n int) bool {
	for j := i; j < i+n-1; j++ {
		if trail[j] != "" || lead[j+1] != "" {
			return false
		}
	}
	return true
}

// splitPunct splits a token into leading punctuation, core, and trailing
// punctuation. Apostrophes and hyphens stay in the core.
func splitPunct(tok string) (lead, core, trail string) {
	start := 0
	for start < len(tok) {
		r, size := utf8.DecodeRuneInString(tok[start:])
		if !isPunct(r) {
			break
		}
		start += size
	}
	end := len(tok)
	for end > start {
		r, size := utf8.DecodeLastRuneInString(tok[start:end])
		if !isPunct(r) {
			break
		}
		end -= size
	}
	return tok[:start], tok[start:end], tok[end:]
}

func isPunct(r rune) bool {
	return (unicode.IsPunct(r) || unicode.IsSymbol(r)) && r != '\'' && r != '-'
}
