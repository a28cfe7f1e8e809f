package rag

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"

	logx "github.com/hr-leavebot/server/pkg/logger"
)

// Index is a brute-force cosine-similarity index over the knowledge base,
// implementing the Eino retriever component interface. Documents and vectors
// are immutable after construction, so concurrent reads need no locking.
type Index struct {
	embedder embedding.Embedder
	docs     []*schema.Document
	vectors  [][]float64

	topK      int
	threshold float64
}

var _ retriever.Retriever = (*Index)(nil)

type IndexConfig struct {
	Embedder embedding.Embedder
	// TopK is the default result cap per search.
	TopK int
	// ScoreThreshold is the default minimum cosine similarity for unfiltered
	// searches. Category-filtered searches bypass it.
	ScoreThreshold float64
}

// BuildIndex embeds every knowledge document once and returns the ready index.
func BuildIndex(ctx context.Context, cfg IndexConfig, docs []*schema.Document) (*Index, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("index embedder is nil")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}

	var vectors [][]float64
	if len(texts) > 0 {
		var err error
		vectors, err = cfg.Embedder.EmbedStrings(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed knowledge base: %w", err)
		}
		if len(vectors) != len(docs) {
			return nil, fmt.Errorf("embed knowledge base: got %d vectors for %d documents", len(vectors), len(docs))
		}
	}

	logx.Info().Int("documents", len(docs)).Msg("Vector index built")
	return &Index{
		embedder:  cfg.Embedder,
		docs:      docs,
		vectors:   vectors,
		topK:      cfg.TopK,
		threshold: cfg.ScoreThreshold,
	}, nil
}

// Retrieve runs nearest-neighbour search for the query. A sub-index narrows
// the search to documents of that category and disables the similarity
// threshold; otherwise results must score at or above the threshold. An empty
// result is valid and propagates to the caller.
func (ix *Index) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	options := retriever.GetCommonOptions(&retriever.Options{
		TopK:           &ix.topK,
		ScoreThreshold: &ix.threshold,
	}, opts...)

	topK := ix.topK
	if options.TopK != nil {
		topK = *options.TopK
	}
	category := ""
	if options.SubIndex != nil {
		category = *options.SubIndex
	}
	useThreshold := category == "" || category == DefaultCategory
	threshold := ix.threshold
	if options.ScoreThreshold != nil {
		threshold = *options.ScoreThreshold
	}

	qVecs, err := ix.embedder.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(qVecs) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(qVecs))
	}
	qVec := qVecs[0]

	type scored struct {
		doc   *schema.Document
		score float64
	}
	candidates := make([]scored, 0, len(ix.docs))
	for i, doc := range ix.docs {
		if category != "" && category != DefaultCategory && DocCategory(doc) != category {
			continue
		}
		score := cosineSimilarity(qVec, ix.vectors[i])
		if useThreshold && score < threshold {
			continue
		}
		candidates = append(candidates, scored{doc: doc, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	// Return copies: the rerank pass rewrites document content and must not
	// touch the index's canonical documents.
	results := make([]*schema.Document, len(candidates))
	for i, c := range candidates {
		cp := *c.doc
		results[i] = &cp
	}

	logx.Debug().
		Str("query", query).
		Str("category", category).
		Int("results", len(results)).
		Msg("Vector search completed")
	return results, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
