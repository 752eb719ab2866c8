package flow

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// FuzzyThreshold is the minimum similarity score (0–100) for a provided
// resident name to match a directory entry. Exactly 75 passes.
const FuzzyThreshold = 75

// Score combines three similarity measures and returns the best of them.
// All measures are 0–100 on names normalized to lowercase alphanumerics with
// Portuguese accents folded.
func Score(a, b string) int {
	a, b = normalizeName(a), normalizeName(b)
	if a == "" || b == "" {
		return 0
	}
	best := fullRatio(a, b)
	if s := partialRatio(a, b); s > best {
		best = s
	}
	if s := tokenSortRatio(a, b); s > best {
		best = s
	}
	return best
}

// fullRatio is the Levenshtein similarity over the whole strings:
// 100 × (lenSum − distance) / lenSum.
func fullRatio(a, b string) int {
	lenSum := len([]rune(a)) + len([]rune(b))
	if lenSum == 0 {
		return 100
	}
	d := matchr.Levenshtein(a, b)
	return (100*(lenSum-d) + lenSum/2) / lenSum
}

// partialRatio slides the shorter string across the longer one and returns
// the best window score, so "daniel" still matches "daniel dos reis".
func partialRatio(a, b string) int {
	shorter, longer := []rune(a), []rune(b)
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if len(shorter) == 0 {
		return 0
	}
	best := 0
	for i := 0; i+len(shorter) <= len(longer); i++ {
		window := string(longer[i : i+len(shorter)])
		if s := fullRatio(string(shorter), window); s > best {
			best = s
			if best == 100 {
				break
			}
		}
	}
	return best
}

// tokenSortRatio compares the strings with their words sorted, so word order
// ("dos reis daniel") does not defeat the match.
func tokenSortRatio(a, b string) int {
	return fullRatio(sortTokens(a), sortTokens(b))
}

func sortTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// accentFold maps the accented letters common in Brazilian names to their
// base form.
var accentFold = map[rune]rune{
	'á': 'a', 'à': 'a', 'â': 'a', 'ã': 'a', 'ä': 'a',
	'é': 'e', 'è': 'e', 'ê': 'e', 'ë': 'e',
	'í': 'i', 'ì': 'i', 'î': 'i', 'ï': 'i',
	'ó': 'o', 'ò': 'o', 'ô': 'o', 'õ': 'o', 'ö': 'o',
	'ú': 'u', 'ù': 'u', 'û': 'u', 'ü': 'u',
	'ç': 'c', 'ñ': 'n',
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var sb strings.Builder
	sb.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		if f, ok := accentFold[r]; ok {
			r = f
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace && sb.Len() > 0 {
				sb.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// NormalizeVoip extracts the bare dialable digits from a directory voip
// number, which may be stored either as "1003030" or as a SIP URI
// ("sip:1003030@host").
func NormalizeVoip(number string) string {
	number = strings.TrimSpace(number)
	number = strings.TrimPrefix(number, "sip:")
	if at := strings.IndexByte(number, '@'); at >= 0 {
		number = number[:at]
	}
	return number
}
