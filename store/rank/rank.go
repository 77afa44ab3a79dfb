// Package rank implements the scoring math shared by every RetrievalStore
// backend: BM25 over tokenised content, cosine similarity over embeddings,
// independent min-max normalisation, and the weighted combination with a
// recency tiebreak. Backends differ only in how they gather candidates;
// the ranking itself is identical so that the same corpus produces the same
// ordering regardless of which backend holds it.
package rank

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/researchmcp/orchestrator/store"
)

// BM25Params configures the BM25 ranking function.
type BM25Params struct {
	K1 float64
	B  float64
}

// DefaultBM25Params returns the standard k1=1.2, b=0.75 parameterisation.
func DefaultBM25Params() BM25Params { return BM25Params{K1: 1.2, B: 0.75} }

// Candidate is one scoring unit: a document or report a backend pulled into
// the candidate set for a query.
type Candidate struct {
	SourceType string
	SourceID   string
	Title      string
	Content    string
	Embedding  []float32
	CreatedAt  time.Time
}

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// Tokenize lowercases s and splits it into alphanumeric runs.
func Tokenize(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

// Rank scores cands against queryText and queryEmbedding and returns the top
// k by weighted combined score. When one signal is absent across the query
// (empty query text, or no query embedding) the other takes full weight and
// the result is flagged degraded. Candidates without embeddings simply score
// zero on the vector component rather than being excluded.
func Rank(params BM25Params, cands []Candidate, queryText string, queryEmbedding []float32, k int, weights store.SearchWeights) store.HybridSearchResult {
	if len(cands) == 0 {
		return store.HybridSearchResult{}
	}

	queryTokens := Tokenize(queryText)
	docTokens := make([][]string, len(cands))
	var totalLen float64
	df := make(map[string]int)
	for i, c := range cands {
		toks := Tokenize(c.Content)
		docTokens[i] = toks
		totalLen += float64(len(toks))
		seen := make(map[string]bool)
		for _, t := range toks {
			if !seen[t] {
				df[t]++
				seen[t] = true
			}
		}
	}
	avgLen := totalLen / float64(len(cands))

	bm25 := make([]float64, len(cands))
	haveBM25 := len(queryTokens) > 0
	if haveBM25 {
		for i := range cands {
			bm25[i] = bm25Score(params, queryTokens, docTokens[i], df, len(cands), avgLen)
		}
	}

	vec := make([]float64, len(cands))
	haveVec := len(queryEmbedding) > 0
	if haveVec {
		for i, c := range cands {
			if len(c.Embedding) == 0 {
				vec[i] = math.NaN()
				continue
			}
			vec[i] = CosineSimilarity(queryEmbedding, c.Embedding)
		}
	}

	bm25Norm := MinMaxNormalize(bm25)
	vecNorm := MinMaxNormalize(vec)

	wB, wV := weights.BM25, weights.Vector
	degraded := false
	switch {
	case !haveBM25 && !haveVec:
		return store.HybridSearchResult{}
	case !haveBM25:
		wB, wV, degraded = 0, 1, true
	case !haveVec:
		wB, wV, degraded = 1, 0, true
	}

	hits := make([]store.Hit, 0, len(cands))
	for i, c := range cands {
		vn := vecNorm[i]
		if math.IsNaN(vn) {
			vn = 0
		}
		final := wB*bm25Norm[i] + wV*vn
		hits = append(hits, store.Hit{
			SourceType: c.SourceType,
			SourceID:   c.SourceID,
			Title:      c.Title,
			Snippet:    Truncate(c.Content, 200),
			Score:      final,
			BM25Score:  bm25Norm[i],
			VecScore:   vn,
			CreatedAt:  c.CreatedAt,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return store.HybridSearchResult{Hits: hits, Degraded: degraded}
}

func bm25Score(p BM25Params, query, doc []string, df map[string]int, n int, avgLen float64) float64 {
	tf := make(map[string]int, len(doc))
	for _, t := range doc {
		tf[t]++
	}
	docLen := float64(len(doc))
	var score float64
	for _, qt := range query {
		f := float64(tf[qt])
		if f == 0 {
			continue
		}
		d := float64(df[qt])
		if d == 0 {
			d = 1
		}
		idf := math.Log(1 + (float64(n)-d+0.5)/(d+0.5))
		numerator := f * (p.K1 + 1)
		denominator := f + p.K1*(1-p.B+p.B*docLen/avgLen)
		score += idf * numerator / denominator
	}
	return score
}

// CosineSimilarity computes the cosine of the angle between a and b over
// their common prefix. Zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// MinMaxNormalize rescales v to [0, 1], passing NaN entries through
// untouched. A constant column maps every non-NaN entry to 1.
func MinMaxNormalize(v []float64) []float64 {
	out := make([]float64, len(v))
	min, max := math.Inf(1), math.Inf(-1)
	any := false
	for _, x := range v {
		if math.IsNaN(x) {
			continue
		}
		any = true
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	if !any || max == min {
		for i := range v {
			if !math.IsNaN(v[i]) && any {
				out[i] = 1
			}
		}
		return out
	}
	for i, x := range v {
		if math.IsNaN(x) {
			out[i] = math.NaN()
			continue
		}
		out[i] = (x - min) / (max - min)
	}
	return out
}

// Truncate clips s to at most n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
