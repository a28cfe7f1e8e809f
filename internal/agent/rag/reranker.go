package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/cloudwego/eino/schema"

	logx "github.com/hr-leavebot/server/pkg/logger"
)

// Reranker rescores retrieved documents against the query with a
// cross-encoder and keeps the strongest topN.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []*schema.Document, topN int) ([]*schema.Document, error)
}

// HTTPReranker calls a cross-encoder sidecar over HTTP (TEI-style /rerank
// contract: {"query": ..., "texts": [...]} in, [{"index": n, "score": s}] out).
// The model itself stays out of process; this client only sequences the call.
type HTTPReranker struct {
	endpoint string
	client   *http.Client
}

var _ Reranker = (*HTTPReranker)(nil)

func NewHTTPReranker(endpoint string, timeout time.Duration) *HTTPReranker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPReranker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank scores each document against the query and returns the topN by
// descending score. An empty input returns empty immediately, without a call.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, docs []*schema.Document, topN int) ([]*schema.Document, error) {
	if len(docs) == 0 {
		return []*schema.Document{}, nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}

	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call reranker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, string(snippet))
	}

	var scores []rerankScore
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})

	if topN <= 0 {
		topN = len(scores)
	}
	reranked := make([]*schema.Document, 0, topN)
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(docs) {
			logx.Warn().Int("index", s.Index).Msg("Reranker returned out-of-range index, skipping")
			continue
		}
		reranked = append(reranked, docs[s.Index])
		if len(reranked) == topN {
			break
		}
	}

	logx.Debug().Int("in", len(docs)).Int("out", len(reranked)).Msg("Reranking completed")
	return reranked, nil
}

// AssembleContext rewrites each ranked document to its normalized
// "question + answer" form and builds the numbered context string passed to
// the generator. Rank order is preserved; entries are blank-line separated.
func AssembleContext(docs []*schema.Document) string {
	var buf bytes.Buffer
	for i, doc := range docs {
		question := DocQuestion(doc)
		answer := DocAnswer(doc)
		doc.Content = fmt.Sprintf("問題: %s\n答案: %s", question, answer)

		if i > 0 {
			buf.WriteString("\n\n")
		}
		fmt.Fprintf(&buf, "第%d名相關文件:\n問題: %s\n答案: %s", i+1, question, answer)
	}
	return buf.String()
}
