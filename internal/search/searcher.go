package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-desk/internal/llm"
	"github.com/capitalize-ai/support-desk/internal/model"
	"github.com/capitalize-ai/support-desk/pkg/logger"
)

// Searcher ranks indexed sections against a query.
type Searcher struct {
	store    DocStore
	embedder llm.Embedder
	log      *logger.Logger
}

// NewSearcher creates a Searcher. With a nil embedder every query is scored
// by keyword.
func NewSearcher(store DocStore, embedder llm.Embedder, log *logger.Logger) *Searcher {
	if log == nil {
		log = logger.Global()
	}
	return &Searcher{store: store, embedder: embedder, log: log}
}

type scored struct {
	sec   *model.DocSection
	score float64
}

// Search returns up to limit sections, best first. Sections with embeddings
// are ranked by cosine similarity when an embedder is configured; otherwise,
// or when embedding the query fails, by term frequency.
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]model.DocHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.DocHit{}, nil
	}
	sections, err := s.store.ListDocSections(ctx)
	if err != nil {
		return nil, fmt.Errorf("search: load sections: %w", err)
	}

	var ranked []scored
	if s.embedder != nil && hasEmbeddings(sections) {
		ranked, err = s.byVector(ctx, query, sections)
		if err != nil {
			s.log.Warn("vector search failed, falling back to keywords", zap.Error(err))
			ranked = nil
		}
	}
	if ranked == nil {
		ranked = byKeyword(query, sections)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].sec.FilePath != ranked[j].sec.FilePath {
			return ranked[i].sec.FilePath < ranked[j].sec.FilePath
		}
		return ranked[i].sec.Section < ranked[j].sec.Section
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	hits := make([]model.DocHit, len(ranked))
	for i, r := range ranked {
		hits[i] = model.DocHit{
			FilePath: r.sec.FilePath,
			Section:  r.sec.Section,
			Text:     r.sec.Text,
			Score:    r.score,
		}
	}
	return hits, nil
}

func (s *Searcher) byVector(ctx context.Context, query string, sections []model.DocSection) ([]scored, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("got %d query vectors", len(vectors))
	}
	q := vectors[0]
	ranked := make([]scored, 0, len(sections))
	for i := range sections {
		if len(sections[i].Embedding) != len(q) {
			continue
		}
		ranked = append(ranked, scored{sec: &sections[i], score: cosine(q, sections[i].Embedding)})
	}
	return ranked, nil
}

func byKeyword(query string, sections []model.DocSection) []scored {
	terms := uniqueTerms(query)
	ranked := make([]scored, 0)
	for i := range sections {
		counts := map[string]int{}
		for _, tok := range tokenize(sections[i].Heading + " " + sections[i].Text) {
			counts[tok]++
		}
		score := 0.0
		for _, t := range terms {
			score += float64(counts[t])
		}
		if score > 0 {
			ranked = append(ranked, scored{sec: &sections[i], score: score})
		}
	}
	return ranked
}

func hasEmbeddings(sections []model.DocSection) bool {
	for i := range sections {
		if len(sections[i].Embedding) > 0 {
			return true
		}
	}
	return false
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func uniqueTerms(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tokenize(s) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
