// Package carnumber has helpers for matching the car numbers staff type or
// say at the curb against the numbers a school knows about.
package carnumber

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Normalize puts a car number in its stored form: upper case, with
// whitespace removed.
func Normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Match scores.
const (
	ScoreExact     = 100
	ScoreSubstring = 75
	ScorePrefix    = 50
	scoreEditBase  = 40
)

// Score rates how well candidate matches what the user typed.  Zero means no
// match.
func Score(query, candidate string) int {
	query = Normalize(query)
	candidate = Normalize(candidate)
	if query == "" || candidate == "" {
		return 0
	}

	switch {
	case query == candidate:
		return ScoreExact
	case strings.Contains(candidate, query):
		return ScoreSubstring
	case strings.HasPrefix(query, candidate):
		return ScorePrefix
	}

	threshold := 2
	if len([]rune(query)) <= 3 {
		threshold = 1
	}
	if d := editDistance(query, candidate); d <= threshold {
		return scoreEditBase - 10*(d-1)
	}
	return 0
}

// editDistance is the Levenshtein distance between a and b.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

type Match struct {
	CarNumber string `json:"carNumber"`
	Score     int    `json:"score"`
}

// Rank scores every candidate against query and returns the matches, best
// first.  Ties are broken by car number.  A limit of zero or less returns
// every match.
func Rank(query string, candidates []string, limit int) []Match {
	seen := map[string]bool{}
	var matches []Match
	for _, c := range candidates {
		c = Normalize(c)
		if seen[c] {
			continue
		}
		seen[c] = true

		if s := Score(query, c); s > 0 {
			matches = append(matches, Match{CarNumber: c, Score: s})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].CarNumber < matches[j].CarNumber
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// History remembers the car numbers most recently looked up, newest first.
// It is safe for concurrent use.
type History struct {
	mu       sync.Mutex
	capacity int
	recent   []string
}

func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		capacity: capacity,
	}
}

// Add records a lookup of car, moving it to the front.
func (h *History) Add(car string) {
	car = Normalize(car)
	if car == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, c := range h.recent {
		if c == car {
			h.recent = append(h.recent[:i], h.recent[i+1:]...)
			break
		}
	}
	h.recent = append([]string{car}, h.recent...)
	if len(h.recent) > h.capacity {
		h.recent = h.recent[:h.capacity]
	}
}

// Recent returns a copy of the remembered car numbers, newest first.
func (h *History) Recent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.recent...)
}

// Histories keeps one History per school.
type Histories struct {
	mu       sync.Mutex
	capacity int
	bySchool map[string]*History
}

func NewHistories(capacity int) *Histories {
	return &Histories{
		capacity: capacity,
		bySchool: map[string]*History{},
	}
}

// For returns the school's History, creating it on first use.
func (hs *Histories) For(schoolID string) *History {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	h, ok := hs.bySchool[schoolID]
	if !ok {
		h = NewHistory(hs.capacity)
		hs.bySchool[schoolID] = h
	}
	return h
}
