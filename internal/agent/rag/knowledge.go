package rag

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"

	logx "github.com/hr-leavebot/server/pkg/logger"
)

const (
	// MetaAnswer holds the canonical answer for a knowledge entry.
	MetaAnswer = "answer"
	// MetaCategory holds the topic tag used for filtered retrieval.
	MetaCategory = "category"

	// DefaultCategory is the catch-all topic tag.
	DefaultCategory = "other"

	questionPrefix = "問題:"
)

// LoadKnowledgeBase reads the Q/A knowledge file (CSV with question, answer,
// category columns) into immutable documents. Document content is the entry
// question; answer and category travel in metadata.
func LoadKnowledgeBase(path string) ([]*schema.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("knowledge file %s is empty", path)
	}

	qIdx, aIdx, cIdx := columnIndexes(rows[0])
	if qIdx < 0 || aIdx < 0 {
		return nil, fmt.Errorf("knowledge file %s missing question/answer columns", path)
	}

	docs := make([]*schema.Document, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if qIdx >= len(row) || aIdx >= len(row) {
			continue
		}
		question := strings.TrimSpace(row[qIdx])
		if question == "" {
			continue
		}
		category := DefaultCategory
		if cIdx >= 0 && cIdx < len(row) && strings.TrimSpace(row[cIdx]) != "" {
			category = strings.TrimSpace(row[cIdx])
		}
		docs = append(docs, &schema.Document{
			ID:      strconv.Itoa(i),
			Content: questionPrefix + " " + question,
			MetaData: map[string]any{
				MetaAnswer:   strings.TrimSpace(row[aIdx]),
				MetaCategory: category,
			},
		})
	}

	logx.Info().Int("records", len(docs)).Str("path", path).Msg("Knowledge base loaded")
	return docs, nil
}

func columnIndexes(header []string) (qIdx, aIdx, cIdx int) {
	qIdx, aIdx, cIdx = -1, -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "question":
			qIdx = i
		case "answer":
			aIdx = i
		case "category":
			cIdx = i
		}
	}
	return qIdx, aIdx, cIdx
}

// DocCategory returns the topic tag of a knowledge document.
func DocCategory(doc *schema.Document) string {
	if doc == nil || doc.MetaData == nil {
		return DefaultCategory
	}
	if c, ok := doc.MetaData[MetaCategory].(string); ok && c != "" {
		return c
	}
	return DefaultCategory
}

// DocAnswer returns the canonical answer of a knowledge document.
func DocAnswer(doc *schema.Document) string {
	if doc == nil || doc.MetaData == nil {
		return ""
	}
	if a, ok := doc.MetaData[MetaAnswer].(string); ok {
		return a
	}
	return ""
}

// DocQuestion returns the bare question text of a knowledge document.
func DocQuestion(doc *schema.Document) string {
	if doc == nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(doc.Content, questionPrefix))
}
