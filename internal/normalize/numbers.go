package normalize

import (
	"strconv"
	"strings"
)

var ones = []string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight",
	"nine", "ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen",
	"sixteen", "seventeen", "eighteen", "nineteen",
}

var tens = []string{
	"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy",
	"eighty", "ninety",
}

var ordinalOnes = []string{
	"zeroth", "first", "second", "third", "fourth", "fifth", "sixth",
	"seventh", "eighth", "ninth", "tenth", "eleventh", "twelfth",
	"thirteenth", "fourteenth", "fifteenth", "sixteenth", "seventeenth",
	"eighteenth", "nineteenth",
}

var ordinalTens = []string{
	"", "", "twentieth", "thirtieth", "fortieth", "fiftieth", "sixtieth",
	"seventieth", "eightieth", "ninetieth",
}

var scales = []struct {
	value int
	name  string
}{
	{1_000_000_000, "billion"},
	{1_000_000, "million"},
	{1_000, "thousand"},
}

// cardinal converts n to its spoken English form. Compound tens are
// hyphenated ("twenty-four"); the punctuation pass later converts the hyphen
// to a space. Numbers of a trillion or more are read digit by digit.
func cardinal(n int) string {
	switch {
	case n < 0:
		return "minus " + cardinal(-n)
	case n < 20:
		return ones[n]
	case n < 100:
		s := tens[n/10]
		if n%10 != 0 {
			s += "-" + ones[n%10]
		}
		return s
	case n < 1000:
		s := ones[n/100] + " hundred"
		if n%100 != 0 {
			s += " " + cardinal(n%100)
		}
		return s
	case n >= 1_000_000_000_000:
		return digitWords(strconv.Itoa(n))
	}
	for _, sc := range scales {
		if n >= sc.value {
			s := cardinal(n/sc.value) + " " + sc.name
			if rem := n % sc.value; rem != 0 {
				s += " " + cardinal(rem)
			}
			return s
		}
	}
	return ones[0] // unreachable
}

// ordinal converts n to its spoken ordinal form: 2 → "second",
// 123 → "one hundred twenty-third", 1000 → "one thousandth".
func ordinal(n int) string {
	switch {
	case n < 0:
		return "minus " + ordinal(-n)
	case n < 20:
		return ordinalOnes[n]
	case n < 100:
		if n%10 == 0 {
			return ordinalTens[n/10]
		}
		return tens[n/10] + "-" + ordinalOnes[n%10]
	case n%100 == 0:
		// Round numbers ordinalise their final scale word: "one hundredth",
		// "two thousandth".
		return cardinal(n) + "th"
	default:
		return cardinal(n-n%100) + " " + ordinal(n%100)
	}
}

// yearWords reads a year between 1000 and 2999 in the customary form:
// century then pair ("nineteen ninety-five"), "oh" for pairs below ten
// ("nineteen oh five"), "hundred" for round centuries ("nineteen hundred"),
// and "two thousand N" for the 2000s.
func yearWords(n int) string {
	if n >= 2000 && n <= 2009 {
		if n == 2000 {
			return "two thousand"
		}
		return "two thousand " + ones[n-2000]
	}

	century := n / 100
	rest := n % 100
	switch {
	case rest == 0:
		return cardinal(century) + " hundred"
	case rest < 10:
		return cardinal(century) + " oh " + ones[rest]
	default:
		return cardinal(century) + " " + cardinal(rest)
	}
}

// digitWords reads a digit string one digit at a time: "306" → "three zero
// six". Non-digit runes are skipped.
func digitWords(digits string) string {
	parts := make([]string, 0, len(digits))
	for _, r := range digits {
		if r < '0' || r > '9' {
			continue
		}
		parts = append(parts, ones[r-'0'])
	}
	return strings.Join(parts, " ")
}

// wordsForDigits converts a decimal digit string to cardinal words, falling
// back to a digit-by-digit reading when the value overflows int.
func wordsForDigits(digits string) string {
	n, err := strconv.Atoi(digits)
	if err != nil {
		return digitWords(digits)
	}
	return cardinal(n)
}
