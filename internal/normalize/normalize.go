// Package normalize rewrites written text into its spoken form before it is
// handed to a TTS back-end.
//
// Synthesis engines read digits, symbols, and punctuation inconsistently, so
// every sentence cut from the LLM stream passes through [Normalize] first.
// The transformation is idempotent: normalising already-normalised text is a
// no-op apart from whitespace collapse, which makes it safe to apply at every
// hop without tracking whether a segment has been processed before.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	clockRe    = regexp.MustCompile(`\b(\d{1,2}):(\d{2})(?:\s*([AaPp])\.?\s*[Mm]\.?)?`)
	decimalRe  = regexp.MustCompile(`\$?\b\d+\.\d+\b%?`)
	ordinalRe  = regexp.MustCompile(`\b(\d+)(?i:st|nd|rd|th)\b`)
	currencyRe = regexp.MustCompile(`\$(\d+)(?:\.(\d{1,2}))?`)
	percentRe  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	yearRe     = regexp.MustCompile(`\b[12]\d{3}\b`)
	integerRe  = regexp.MustCompile(`#?\b\d+\b`)
	hashNumRe  = regexp.MustCompile(`#(\d+)\b`)
	hashtagRe  = regexp.MustCompile(`#([A-Za-z]\w*)`)

	ellipsisRe   = regexp.MustCompile(`\.{3,}|…`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	danglingRe   = regexp.MustCompile(` ([,!?])`)
)

// symbolReplacer expands standalone symbols into their spoken equivalents.
// Surrounding spaces keep the words separated from adjacent tokens; the final
// whitespace collapse removes any duplicates.
var symbolReplacer = strings.NewReplacer(
	"&", " and ",
	"@", " at ",
	"+", " plus ",
	"=", " equals ",
	"#", " number ",
)

// punctReplacer is the single-pass punctuation cleanup: clause punctuation
// becomes a comma, brackets become spaces, quotes and markdown marks vanish,
// hyphens and sentence periods become spaces. Curly single quotes are folded
// to ASCII apostrophes first so the stray-quote walk can judge them.
var punctReplacer = strings.NewReplacer(
	";", ",",
	":", ",",
	"(", " ", ")", " ",
	"[", " ", "]", " ",
	"{", " ", "}", " ",
	"<", " ", ">", " ",
	"“", "", "”", "", "„", "", "«", "", "»", "",
	`"`, "",
	"‘", "'", "’", "'",
	"*", "", "_", "", "~", "", "`", "",
	"-", " ", "–", " ", "—", " ",
	".", " ",
)

// Normalize converts text into its speakable form. Transformations run in a
// fixed order because earlier rules consume characters later rules would
// misread: clock times before decimals (the colon), currency before standalone
// integers (the dollar amount), years before integers (the four-digit token).
func Normalize(text string) string {
	text = expandClockTimes(text)
	text = expandDecimals(text)
	text = expandOrdinals(text)
	text = expandCurrency(text)
	text = expandPercents(text)
	text = expandYears(text)
	text = expandIntegers(text)
	text = expandSymbols(text)
	text = cleanPunctuation(text)
	return collapseWhitespace(text)
}

// expandClockTimes rewrites H:MM tokens with an optional AM/PM marker into
// words: "3:06 PM" → "three oh six P M", "5:00" → "five o'clock". The marker
// letters are spelled out individually so engines do not read "pm" as a word.
func expandClockTimes(text string) string {
	return clockRe.ReplaceAllStringFunc(text, func(m string) string {
		g := clockRe.FindStringSubmatch(m)
		hour, _ := strconv.Atoi(g[1])
		minute, _ := strconv.Atoi(g[2])
		if hour > 23 || minute > 59 {
			return m
		}

		out := cardinal(hour)
		switch {
		case minute == 0:
			if g[3] == "" {
				out += " o'clock"
			}
		case minute < 10:
			out += " oh " + cardinal(minute)
		default:
			out += " " + cardinal(minute)
		}
		if g[3] != "" {
			out += " " + strings.ToUpper(g[3]) + " M"
		}
		return out
	})
}

// expandDecimals rewrites D.D tokens as "<whole> point <digit digit ...>".
// Matches carrying a currency or percent marker are left for their own rules.
func expandDecimals(text string) string {
	return decimalRe.ReplaceAllStringFunc(text, func(m string) string {
		if strings.HasPrefix(m, "$") || strings.HasSuffix(m, "%") {
			return m
		}
		whole, frac, _ := strings.Cut(m, ".")
		return wordsForDigits(whole) + " point " + digitWords(frac)
	})
}

// expandOrdinals rewrites suffixed numerals like "2nd" or "123rd" into ordinal
// words. The suffix is not validated against the number, so "2th" still reads
// "second".
func expandOrdinals(text string) string {
	return ordinalRe.ReplaceAllStringFunc(text, func(m string) string {
		g := ordinalRe.FindStringSubmatch(m)
		n, err := strconv.Atoi(g[1])
		if err != nil {
			return m
		}
		return ordinal(n)
	})
}

// expandCurrency rewrites $D and $D.CC amounts with singular/plural agreement:
// "$1" → "one dollar", "$5.50" → "five dollars and fifty cents". A single
// cent digit is a tens digit ("$5.5" reads fifty cents, not five).
func expandCurrency(text string) string {
	return currencyRe.ReplaceAllStringFunc(text, func(m string) string {
		g := currencyRe.FindStringSubmatch(m)
		dollars, err := strconv.Atoi(g[1])
		if err != nil {
			return wordsForDigits(g[1]) + " dollars"
		}

		out := cardinal(dollars) + " dollar"
		if dollars != 1 {
			out += "s"
		}
		if g[2] != "" {
			cents, _ := strconv.Atoi(g[2])
			if len(g[2]) == 1 {
				cents *= 10
			}
			if cents > 0 {
				out += " and " + cardinal(cents) + " cent"
				if cents != 1 {
					out += "s"
				}
			}
		}
		return out
	})
}

// expandPercents rewrites N% and N.N% as "... percent".
func expandPercents(text string) string {
	return percentRe.ReplaceAllStringFunc(text, func(m string) string {
		g := percentRe.FindStringSubmatch(m)
		if whole, frac, ok := strings.Cut(g[1], "."); ok {
			return wordsForDigits(whole) + " point " + digitWords(frac) + " percent"
		}
		return wordsForDigits(g[1]) + " percent"
	})
}

// expandYears rewrites four-digit tokens starting with 1 or 2 in the customary
// year reading: "1995" → "nineteen ninety-five", "2024" → "twenty twenty-four",
// "2005" → "two thousand five". Four-digit numbers outside 1000–2999 fall
// through to the standalone-integer rule.
func expandYears(text string) string {
	return yearRe.ReplaceAllStringFunc(text, func(m string) string {
		n, _ := strconv.Atoi(m)
		return yearWords(n)
	})
}

// expandIntegers rewrites any remaining standalone integers as cardinal words.
// Digits embedded in words (such as "2d6" or identifiers) are left alone.
// Hash-prefixed numbers are deferred to the symbol rule, otherwise "#7" would
// turn into "#seven" and read as a hashtag instead of "number seven".
func expandIntegers(text string) string {
	return integerRe.ReplaceAllStringFunc(text, func(m string) string {
		if strings.HasPrefix(m, "#") {
			return m
		}
		return wordsForDigits(m)
	})
}

// expandSymbols expands spoken symbols. Hash-number and hashtag forms run
// before the bare-symbol pass so "#7" reads "number seven" and "#go" reads
// "hashtag go" rather than "number go".
func expandSymbols(text string) string {
	text = hashNumRe.ReplaceAllStringFunc(text, func(m string) string {
		return "number " + wordsForDigits(m[1:])
	})
	text = hashtagRe.ReplaceAllString(text, "hashtag $1")
	return symbolReplacer.Replace(text)
}

// cleanPunctuation applies the punctuation hygiene pass: ellipses become
// commas, clause punctuation becomes commas, brackets and hyphens become
// spaces, quotes and markdown marks are removed, and sentence periods are
// dropped. Apostrophes inside words survive.
func cleanPunctuation(text string) string {
	text = ellipsisRe.ReplaceAllString(text, ",")
	text = punctReplacer.Replace(text)
	return stripStrayQuotes(text)
}

// stripStrayQuotes removes single quotes that do not sit between two word
// characters, keeping contractions like "I'll" and "o'clock" intact.
func stripStrayQuotes(text string) string {
	runes := []rune(text)
	out := make([]rune, 0, len(runes))
	for i, r := range runes {
		if r == '\'' {
			inWord := i > 0 && isWordRune(runes[i-1]) &&
				i+1 < len(runes) && isWordRune(runes[i+1])
			if !inWord {
				continue
			}
		}
		out = append(out, r)
	}
	return string(out)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// collapseWhitespace squeezes runs of whitespace to a single space, reattaches
// punctuation left dangling by earlier replacements, and trims the ends.
func collapseWhitespace(text string) string {
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = danglingRe.ReplaceAllString(text, "$1")
	return strings.TrimSpace(text)
}
