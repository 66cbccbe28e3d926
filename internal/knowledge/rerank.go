package knowledge

import (
	"context"
	"slices"
	"strings"
	"unicode"
)

const (
	// rerankOverfetch is how many candidates are pulled per requested hit.
	rerankOverfetch = 3
	// overlapWeight is the share of the final score taken by term overlap.
	overlapWeight = 0.5
)

type rerankStore struct {
	Store
}

// WithRerank reorders query hits by a blend of vector similarity and
// query term overlap. Agents query with short domain phrases, and term
// overlap keeps exact matches on top when the embedder is coarse.
func WithRerank(store Store) Store {
	return &rerankStore{Store: store}
}

func (r *rerankStore) Query(ctx context.Context, q Query) ([]Hit, error) {
	k := q.K
	if k > 0 {
		q.K = k * rerankOverfetch
	}
	hits, err := r.Store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	hits = rerank(q.Text, hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// rerank returns hits sorted by blended score. Scores in the result are the
// blended values. With no usable query terms the input order is kept.
func rerank(query string, hits []Hit) []Hit {
	terms := terms(query)
	if len(terms) == 0 || len(hits) == 0 {
		return hits
	}
	out := make([]Hit, len(hits))
	for i, h := range hits {
		overlap := termOverlap(terms, h.Entry.Content)
		h.Score = (1-overlapWeight)*h.Score + overlapWeight*overlap
		out[i] = h
	}
	slices.SortStableFunc(out, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	return out
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {},
	"this": {}, "are": {}, "was": {}, "were": {}, "been": {}, "have": {},
	"has": {}, "had": {}, "into": {}, "its": {}, "their": {}, "what": {},
	"which": {}, "who": {}, "when": {}, "where": {}, "why": {}, "how": {},
}

// terms returns the distinct lowercased words of text longer than two
// characters, minus stopwords.
func terms(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

// termOverlap is the fraction of query terms present in content.
func termOverlap(query map[string]struct{}, content string) float32 {
	doc := terms(content)
	var n int
	for t := range query {
		if _, ok := doc[t]; ok {
			n++
		}
	}
	return float32(n) / float32(len(query))
}
