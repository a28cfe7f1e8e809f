package rag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/eino/schema"
)

func TestHTTPRerankerRerank(t *testing.T) {
	ctx := context.Background()

	docs := []*schema.Document{
		testDoc("1", "特休怎麼算", "依年資", "annual_leave"),
		testDoc("2", "病假幾天", "三十天", "sick_leave"),
		testDoc("3", "加班費", "加成計算", "overtime"),
	}

	t.Run("orders by score and keeps topN", func(t *testing.T) {
		var gotReq rerankRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			json.NewEncoder(w).Encode([]rerankScore{
				{Index: 0, Score: 0.2},
				{Index: 1, Score: 0.9},
				{Index: 2, Score: 0.5},
			})
		}))
		defer srv.Close()

		rr := NewHTTPReranker(srv.URL, 5*time.Second)
		got, err := rr.Rerank(ctx, "病假", docs, 2)
		require.NoError(t, err)

		assert.Equal(t, "病假", gotReq.Query)
		assert.Len(t, gotReq.Texts, 3)

		require.Len(t, got, 2)
		assert.Equal(t, "2", got[0].ID)
		assert.Equal(t, "3", got[1].ID)
	})

	t.Run("empty input skips the call", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer srv.Close()

		rr := NewHTTPReranker(srv.URL, 5*time.Second)
		got, err := rr.Rerank(ctx, "q", nil, 2)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.False(t, called)
	})

	t.Run("out-of-range indexes are skipped", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]rerankScore{
				{Index: 7, Score: 0.9},
				{Index: 0, Score: 0.5},
			})
		}))
		defer srv.Close()

		rr := NewHTTPReranker(srv.URL, 5*time.Second)
		got, err := rr.Rerank(ctx, "q", docs, 2)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "1", got[0].ID)
	})

	t.Run("non-200 is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()

		rr := NewHTTPReranker(srv.URL, 5*time.Second)
		_, err := rr.Rerank(ctx, "q", docs, 2)
		assert.Error(t, err)
	})
}

func TestAssembleContext(t *testing.T) {
	t.Run("numbered ranked entries", func(t *testing.T) {
		docs := []*schema.Document{
			testDoc("1", "特休怎麼算", "依年資", "annual_leave"),
			testDoc("2", "病假幾天", "三十天", "sick_leave"),
		}
		got := AssembleContext(docs)

		assert.Equal(t,
			"第1名相關文件:\n問題: 特休怎麼算\n答案: 依年資\n\n第2名相關文件:\n問題: 病假幾天\n答案: 三十天",
			got)
		// Documents themselves are rewritten to the normalized form.
		assert.Equal(t, "問題: 特休怎麼算\n答案: 依年資", docs[0].Content)
	})

	t.Run("empty input renders empty", func(t *testing.T) {
		assert.Equal(t, "", AssembleContext(nil))
	})
}
