package carnumber

import (
	"strconv"
	"strings"
	"unicode"
)

const (
	maxCarNumberLength = 6
	maxLeadingZeros    = 2
)

var digitWords = map[string]int{
	"zero":  0,
	"oh":    0,
	"o":     0,
	"one":   1,
	"two":   2,
	"three": 3,
	"four":  4,
	"five":  5,
	"six":   6,
	"seven": 7,
	"eight": 8,
	"nine":  9,
}

// Words a recognizer produces for digits.  They are common English words, so
// they only count when they continue a number that has already started.
var homophones = map[string]int{
	"won": 1,
	"to":  2,
	"too": 2,
	"for": 4,
	"ate": 8,
}

var teenWords = map[string]int{
	"ten":       10,
	"eleven":    11,
	"twelve":    12,
	"thirteen":  13,
	"fourteen":  14,
	"fifteen":   15,
	"sixteen":   16,
	"seventeen": 17,
	"eighteen":  18,
	"nineteen":  19,
}

var tensWords = map[string]int{
	"twenty":  20,
	"thirty":  30,
	"forty":   40,
	"fifty":   50,
	"sixty":   60,
	"seventy": 70,
	"eighty":  80,
	"ninety":  90,
}

// numberBuilder accumulates one spoken car number.
type numberBuilder struct {
	digits strings.Builder

	// hundred is set after "<digit> hundred", until the tens and units
	// arrive.
	hundred bool

	// tens is a pending tens word waiting to see if a units word follows.
	tens int
}

func (b *numberBuilder) started() bool {
	return b.digits.Len() > 0 || b.hundred || b.tens > 0
}

func (b *numberBuilder) flushTens() {
	if b.tens == 0 {
		return
	}
	b.appendValue(b.tens)
	b.tens = 0
}

// appendValue adds a spoken value below 100.
func (b *numberBuilder) appendValue(v int) {
	if b.hundred {
		b.digits.WriteString(twoDigits(v))
		b.hundred = false
		return
	}
	b.digits.WriteString(strconv.Itoa(v))
}

func (b *numberBuilder) addDigit(d int) {
	if b.tens > 0 {
		v := b.tens + d
		b.tens = 0
		b.appendValue(v)
		return
	}
	if b.hundred {
		b.appendValue(d)
		return
	}
	b.digits.WriteString(strconv.Itoa(d))
}

func (b *numberBuilder) addTeen(v int) {
	b.flushTens()
	b.appendValue(v)
}

func (b *numberBuilder) addTens(v int) {
	b.flushTens()
	b.tens = v
}

func (b *numberBuilder) addHundred() bool {
	b.flushTens()
	if b.digits.Len() == 0 || b.hundred {
		return false
	}
	b.hundred = true
	return true
}

func (b *numberBuilder) addLiteral(s string) {
	b.flushTens()
	if b.hundred {
		// "one hundred 5" style mixes.
		if v, err := strconv.Atoi(s); err == nil && v < 100 {
			b.appendValue(v)
			return
		}
		b.digits.WriteString("00")
		b.hundred = false
	}
	b.digits.WriteString(s)
}

// peek is what finish would return, without consuming the number.
func (b *numberBuilder) peek() string {
	s := b.digits.String()
	switch {
	case b.tens > 0 && b.hundred:
		s += twoDigits(b.tens)
	case b.tens > 0:
		s += strconv.Itoa(b.tens)
	case b.hundred:
		s += "00"
	}
	return s
}

func (b *numberBuilder) finish() string {
	b.flushTens()
	if b.hundred {
		b.digits.WriteString("00")
		b.hundred = false
	}
	s := b.digits.String()
	b.digits.Reset()
	return s
}

func twoDigits(v int) string {
	if v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}

// ExtractCarNumbers pulls candidate car numbers out of a speech-recognition
// transcript, in the order they were spoken, without duplicates.
//
// Spoken digits ("one oh five"), compound numbers ("one hundred twenty"),
// recognizer digits ("105") and common homophones ("won", "to", "for", "ate")
// are understood.  A homophone that continues a number yields both the number
// before it and the extended one, shorter first.  Candidates that don't look like car numbers are dropped.
func ExtractCarNumbers(transcript string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(transcript), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var out []string
	seen := map[string]bool{}
	b := &numberBuilder{}
	add := func(s string) {
		if s == "" || seen[s] || !ValidCarNumber(s) {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	emit := func() {
		add(b.finish())
	}

	for _, tok := range tokens {
		if isDigits(tok) {
			// A recognizer writes "1 0 5" when digits are spoken one at a
			// time, and "105" when they are read as one number.
			if len(tok) > 1 && b.started() {
				emit()
			}
			b.addLiteral(tok)
			if len(tok) > 1 {
				emit()
			}
			continue
		}

		if d, ok := digitWords[tok]; ok {
			b.addDigit(d)
			continue
		}
		if d, ok := homophones[tok]; ok && b.started() {
			// "twelve for Smith" may be car 12, not 124.
			add(b.peek())
			b.addDigit(d)
			continue
		}
		if v, ok := teenWords[tok]; ok {
			b.addTeen(v)
			continue
		}
		if v, ok := tensWords[tok]; ok {
			b.addTens(v)
			continue
		}
		if tok == "hundred" && b.addHundred() {
			continue
		}
		if tok == "and" && b.hundred {
			continue
		}

		emit()
	}
	emit()

	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidCarNumber reports whether a candidate extracted from speech is
// plausibly a car number: it contains a digit, is one to six characters
// long, and has no more than two leading zeros.
func ValidCarNumber(s string) bool {
	if len(s) < 1 || len(s) > maxCarNumberLength {
		return false
	}
	hasDigit := false
	for _, r := range s {
		if unicode.IsDigit(r) {
			hasDigit = true
			break
		}
	}
	if !hasDigit {
		return false
	}
	zeros := len(s) - len(strings.TrimLeft(s, "0"))
	return zeros <= maxLeadingZeros
}
