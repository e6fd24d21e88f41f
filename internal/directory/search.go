package directory

import (
	"cmp"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"
)

// Fuzzy matching thresholds. A candidate whose tokens share a Double
// Metaphone code with the query needs the lower score.
const (
	phoneticThreshold = 0.75
	fuzzyThreshold    = 0.88
)

// Search returns the companies matching query, best first.
//
// Names starting with the query come first, then names containing it, both
// in listing order. Remaining names that sound like or nearly spell the
// query follow, ranked by Jaro-Winkler similarity. An empty query returns
// the full listing.
func (d *Directory) Search(query string) []Company {
	all := d.List()
	q := normalise(query)
	if q == "" {
		return all
	}

	type scored struct {
		c     Company
		score float64
	}
	var prefix, contains []Company
	var fuzzy []scored

	qTokens := strings.Fields(q)
	qCodes := codesForTokens(qTokens)
	for _, c := range all {
		name := normalise(c.Name)
		switch {
		case strings.HasPrefix(name, q):
			prefix = append(prefix, c)
		case strings.Contains(name, q):
			contains = append(contains, c)
		default:
			nTokens := strings.Fields(name)
			score := bestJWScore(qTokens, nTokens, q, name)
			threshold := fuzzyThreshold
			if codesOverlap(qCodes, codesForTokens(nTokens)) {
				threshold = phoneticThreshold
			}
			if score >= threshold {
				fuzzy = append(fuzzy, scored{c, score})
			}
		}
	}
	slices.SortStableFunc(fuzzy, func(a, b scored) int { return cmp.Compare(b.score, a.score) })

	out := make([]Company, 0, len(prefix)+len(contains)+len(fuzzy))
	out = append(out, prefix...)
	out = append(out, contains...)
	for _, f := range fuzzy {
		out = append(out, f.c)
	}
	return out
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
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

// bestJWScore is the highest Jaro-Winkler similarity across the full
// strings, the space-stripped strings and every token pair.
func bestJWScore(qTokens, nTokens []string, q, name string) float64 {
	score := matchr.JaroWinkler(q, name, false)
	if len(qTokens) > 1 || len(nTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(qTokens, ""), strings.Join(nTokens, ""), false); s > score {
			score = s
		}
	}
	for _, qt := range qTokens {
		for _, nt := range nTokens {
			if s := matchr.JaroWinkler(qt, nt, false); s > score {
				score = s
			}
		}
	}
	return score
}
