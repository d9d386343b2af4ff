package memory

import (
	"math"
	"strings"
)

// DefaultMinScore is the retrieval relevance cutoff.
const DefaultMinScore = 0.1

// tokenize case-folds, splits on whitespace and drops tokens of length
// two or less.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// counts returns token frequencies.
func counts(tokens []string) map[string]int {
	m := make(map[string]int, len(tokens))
	for _, t := range tokens {
		m[t]++
	}
	return m
}

// scoredChunk pairs a corpus chunk with its token statistics.
type scoredChunk struct {
	text   string
	title  string
	tokens map[string]int
	total  int
}

// tfidfScores computes the keyword-weighted relevance of every corpus
// chunk for the query:
//
//	score = Σ_w TF(w, chunk) · IDF(w, corpus) · count(w, query)
//
// with TF = count(w, c)/|words(c)| and IDF = ln(|C| / (1 + df(w))).
// A chunk containing the query verbatim scores ×2; a title containing
// the query scores ×1.5.
func tfidfScores(query string, corpus []scoredChunk) []float64 {
	queryTokens := tokenize(query)
	queryCounts := counts(queryTokens)
	queryFold := strings.ToLower(strings.TrimSpace(query))

	// Document frequency per query term.
	df := make(map[string]int, len(queryCounts))
	for w := range queryCounts {
		for _, c := range corpus {
			if c.tokens[w] > 0 {
				df[w]++
			}
		}
	}

	n := float64(len(corpus))
	scores := make([]float64, len(corpus))
	for i, c := range corpus {
		if c.total == 0 {
			continue
		}
		var score float64
		for w, qc := range queryCounts {
			cc := c.tokens[w]
			if cc == 0 {
				continue
			}
			tf := float64(cc) / float64(c.total)
			idf := math.Log(n / float64(1+df[w]))
			score += tf * idf * float64(qc)
		}
		if score == 0 {
			continue
		}
		if queryFold != "" && strings.Contains(strings.ToLower(c.text), queryFold) {
			score *= 2
		}
		if c.title != "" && strings.Contains(strings.ToLower(c.title), queryFold) {
			score *= 1.5
		}
		scores[i] = score
	}
	return scores
}

// overlapScore is the simpler fallback relevance measure: the number of
// shared distinct tokens, normalized by the square root of the chunk
// length. Unlike TF-IDF it needs no corpus statistics, so it is usable
// before any index exists.
func overlapScore(queryTokens map[string]int, chunk scoredChunk) float64 {
	if chunk.total == 0 {
		return 0
	}
	overlap := 0
	for w := range queryTokens {
		if chunk.tokens[w] > 0 {
			overlap++
		}
	}
	if overlap == 0 {
		return 0
	}
	return float64(overlap) / math.Sqrt(float64(chunk.total))
}
