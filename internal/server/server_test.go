package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hr-leavebot/server/internal/agent/model"
)

type fakeRunner struct {
	lastInput model.QueryInput
	result    *model.TurnResult
	err       error
}

func (f *fakeRunner) Invoke(ctx context.Context, in model.QueryInput) (*model.TurnResult, error) {
	f.lastInput = in
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func postQuery(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/query", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) QueryResponse {
	t.Helper()
	var resp QueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandleQuery(t *testing.T) {
	cfg := Config{Mode: "test"}

	t.Run("successful turn", func(t *testing.T) {
		runner := &fakeRunner{result: &model.TurnResult{
			OriginalQuery:  "特休沒休完怎麼辦?",
			RewrittenQuery: "未休畢特休 折算",
			Answer:         "可折算工資。",
			Context:        "第1名相關文件:...",
		}}
		s := New(cfg, runner)

		w := postQuery(t, s, `{"question":"特休沒休完怎麼辦?","thread_id":"t1"}`)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decodeResponse(t, w)
		assert.True(t, resp.Success)
		assert.Equal(t, "可折算工資。", resp.Answer)
		assert.Equal(t, "未休畢特休 折算", resp.RewrittenQuery)
		assert.Empty(t, resp.Error)
		assert.Equal(t, "t1", runner.lastInput.ConversationID)
	})

	t.Run("missing thread id falls back to default", func(t *testing.T) {
		runner := &fakeRunner{result: &model.TurnResult{Answer: "答案"}}
		s := New(cfg, runner)

		w := postQuery(t, s, `{"question":"病假要附證明嗎?"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "default_thread", runner.lastInput.ConversationID)
	})

	t.Run("empty question rejected", func(t *testing.T) {
		runner := &fakeRunner{}
		s := New(cfg, runner)

		w := postQuery(t, s, `{"question":"   ","thread_id":"t1"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "問題不能為空")
	})

	t.Run("malformed json rejected", func(t *testing.T) {
		s := New(cfg, &fakeRunner{})
		w := postQuery(t, s, `{"question":`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("runner error keeps http 200", func(t *testing.T) {
		runner := &fakeRunner{err: errors.New("graph failed")}
		s := New(cfg, runner)

		w := postQuery(t, s, `{"question":"特休","thread_id":"t1"}`)
		require.Equal(t, http.StatusOK, w.Code)

		resp := decodeResponse(t, w)
		assert.False(t, resp.Success)
		assert.Equal(t, "graph failed", resp.Error)
		assert.Empty(t, resp.Answer)
	})

	t.Run("empty answer replaced with fallback", func(t *testing.T) {
		runner := &fakeRunner{result: &model.TurnResult{Answer: "  "}}
		s := New(cfg, runner)

		w := postQuery(t, s, `{"question":"特休","thread_id":"t1"}`)
		resp := decodeResponse(t, w)
		assert.True(t, resp.Success)
		assert.Equal(t, fallbackAnswer, resp.Answer)
	})

	t.Run("nil runner returns 503", func(t *testing.T) {
		s := New(cfg, nil)
		w := postQuery(t, s, `{"question":"特休","thread_id":"t1"}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestHealthAndRoot(t *testing.T) {
	s := New(Config{Mode: "test"}, &fakeRunner{})

	t.Run("health", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"system_initialized":true`)
	})

	t.Run("root", func(t *testing.T) {
		w := httptest.NewRecorder()
		s.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "running")
	})
}
