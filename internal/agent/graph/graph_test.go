package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hr-leavebot/server/internal/agent/graph/conversations"
	"github.com/hr-leavebot/server/internal/agent/graph/nodes"
	"github.com/hr-leavebot/server/internal/agent/model"
	"github.com/hr-leavebot/server/internal/agent/rag"
)

// ====================== Fakes ======================

// scriptedModel replays a fixed sequence of replies (or errors). With repeat
// set, the last script entry answers every further call.
type scriptedModel struct {
	mu     sync.Mutex
	script []any // *schema.Message or error
	repeat bool
	calls  [][]*schema.Message
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, input)
	if len(m.script) == 0 {
		return nil, errors.New("scripted model: unexpected call")
	}

	next := m.script[0]
	if len(m.script) > 1 || !m.repeat {
		m.script = m.script[1:]
	}

	switch v := next.(type) {
	case error:
		return nil, v
	case *schema.Message:
		cp := *v
		cp.ToolCalls = append([]schema.ToolCall(nil), v.ToolCalls...)
		return &cp, nil
	default:
		return nil, errors.New("scripted model: bad script entry")
	}
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func (m *scriptedModel) BindTools(tools []*schema.ToolInfo) error { return nil }

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *scriptedModel) callInput(i int) []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func reply(content string) *schema.Message {
	return schema.AssistantMessage(content, nil)
}

func toolReply(name, args string) *schema.Message {
	return schema.AssistantMessage("", []schema.ToolCall{
		{Function: schema.FunctionCall{Name: name, Arguments: args}},
	})
}

// fakeIndex returns a fresh copy of its fixture on every search.
type fakeIndex struct {
	mu    sync.Mutex
	docs  []*schema.Document
	calls int
}

func (f *fakeIndex) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make([]*schema.Document, len(f.docs))
	for i, d := range f.docs {
		cp := *d
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeIndex) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// passReranker keeps the incoming order and trims to topN.
type passReranker struct {
	mu    sync.Mutex
	calls int
}

func (p *passReranker) Rerank(ctx context.Context, query string, docs []*schema.Document, topN int) ([]*schema.Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if topN > 0 && len(docs) > topN {
		docs = docs[:topN]
	}
	return docs, nil
}

type memRepo struct {
	mu   sync.Mutex
	data map[string][]*schema.Message
}

func newMemRepo() *memRepo {
	return &memRepo{data: map[string][]*schema.Message{}}
}

func (r *memRepo) AppendMessages(ctx context.Context, conversationID string, messages []*schema.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[conversationID] = append(r.data[conversationID], messages...)
	return nil
}

func (r *memRepo) LoadHistory(ctx context.Context, conversationID string) (*model.ConversationHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := make([]*schema.Message, len(r.data[conversationID]))
	copy(msgs, r.data[conversationID])
	return &model.ConversationHistory{ConversationID: conversationID, Messages: msgs}, nil
}

func (r *memRepo) ClearHistory(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, conversationID)
	return nil
}

func (r *memRepo) GetMessageCount(ctx context.Context, conversationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data[conversationID]), nil
}

func (r *memRepo) stored(conversationID string) []*schema.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data[conversationID]
}

// ====================== Fixtures ======================

const (
	allowVerdict   = `{"decision":"allowed","reason":"on topic","response":""}`
	blockedVerdict = `{"decision":"blocked","reason":"off topic","response":"抱歉,這裡只回答請假與差勤相關的問題。"}`
	leaveCategory  = `{"category":"annual_leave"}`
	optimizedJSON  = `{"optimized_answer":"優化後的答案"}`
)

func knowledgeDocs() []*schema.Document {
	return []*schema.Document{
		{
			ID:      "1",
			Content: "問題: 特休沒休完怎麼辦",
			MetaData: map[string]any{
				rag.MetaAnswer:   "未休完的特休應折算工資。",
				rag.MetaCategory: "annual_leave",
			},
		},
		{
			ID:      "2",
			Content: "問題: 特休怎麼計算",
			MetaData: map[string]any{
				rag.MetaAnswer:   "依年資計算。",
				rag.MetaCategory: "annual_leave",
			},
		},
	}
}

type testHarness struct {
	rewriter  *scriptedModel
	decision  *scriptedModel
	generator *scriptedModel
	index     *fakeIndex
	reranker  *passReranker
	repo      *memRepo
	runner    Runner
}

func newTestHarness(t *testing.T, rewriter, decision, generator *scriptedModel) *testHarness {
	t.Helper()

	h := &testHarness{
		rewriter:  rewriter,
		decision:  decision,
		generator: generator,
		index:     &fakeIndex{docs: knowledgeDocs()},
		reranker:  &passReranker{},
		repo:      newMemRepo(),
	}

	mm := conversations.NewMessagesManager(h.repo, model.ConversationConfig{})
	runnable, err := BuildGraph(context.Background(), &GraphConfig{
		ChatModels: &nodes.ChatModels{
			Rewriter:           rewriter,
			Decision:           decision,
			Generator:          generator,
			GeneratorModelName: "fake-model",
		},
		MessagesManager: mm,
		Index:           h.index,
		Reranker:        h.reranker,
		Retrieval: &model.RetrievalConfig{
			TopK:                8,
			TopN:                2,
			SimilarityThreshold: 0.4,
		},
		MaxRewrites:  3,
		MaxToolCalls: 3,
	})
	require.NoError(t, err)

	h.runner = &graphRunner{
		runnable: runnable,
		messages: mm,
		locker:   conversations.NewKeyedMutex(),
	}
	return h
}

// ====================== Tests ======================

func TestInvokeValidation(t *testing.T) {
	h := newTestHarness(t,
		&scriptedModel{},
		&scriptedModel{},
		&scriptedModel{},
	)

	_, err := h.runner.Invoke(context.Background(), model.QueryInput{ConversationID: "", Query: "q"})
	assert.Error(t, err)

	_, err = h.runner.Invoke(context.Background(), model.QueryInput{ConversationID: "c1", Query: "  "})
	assert.Error(t, err)
}

func TestHappyPath(t *testing.T) {
	h := newTestHarness(t,
		&scriptedModel{script: []any{reply("未休畢特休 折算 工資")}},
		&scriptedModel{script: []any{reply(allowVerdict), reply(leaveCategory), reply("yes"), reply(optimizedJSON)}},
		&scriptedModel{script: []any{reply("未休完的特休可以折算工資。")}},
	)

	result, err := h.runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "c1",
		Query:          "特休沒休完怎麼辦?",
	})
	require.NoError(t, err)

	assert.Equal(t, "特休沒休完怎麼辦?", result.OriginalQuery)
	assert.Equal(t, "未休畢特休 折算 工資", result.RewrittenQuery)
	assert.Equal(t, "優化後的答案", result.Answer)
	assert.Contains(t, result.Context, "第1名相關文件:")
	assert.Contains(t, result.Context, "未休完的特休應折算工資。")

	assert.Equal(t, 1, h.index.callCount())
	assert.Equal(t, 1, h.rewriter.callCount())

	// Committed transcript: the user question and the optimized answer.
	stored := h.repo.stored("c1")
	require.Len(t, stored, 2)
	assert.Equal(t, schema.User, stored[0].Role)
	assert.Equal(t, "特休沒休完怎麼辦?", stored[0].Content)
	assert.Equal(t, schema.Assistant, stored[1].Role)
	assert.Equal(t, "優化後的答案", stored[1].Content)

	// The generator payload leads with the system instruction carrying the
	// assembled context.
	genPayload := h.generator.callInput(0)
	require.NotEmpty(t, genPayload)
	assert.Equal(t, schema.System, genPayload[0].Role)
	assert.Contains(t, genPayload[0].Content, "第1名相關文件:")
}

func TestGuardrailBlocks(t *testing.T) {
	h := newTestHarness(t,
		&scriptedModel{},
		&scriptedModel{script: []any{reply(blockedVerdict)}},
		&scriptedModel{},
	)

	result, err := h.runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "c1",
		Query:          "幫我寫一首詩",
	})
	require.NoError(t, err)

	assert.Equal(t, "抱歉,這裡只回答請假與差勤相關的問題。", result.Answer)
	assert.Empty(t, result.RewrittenQuery)

	// Nothing downstream ran.
	assert.Zero(t, h.rewriter.callCount())
	assert.Zero(t, h.index.callCount())
	assert.Zero(t, h.generator.callCount())

	// The refusal still persists with the transcript.
	stored := h.repo.stored("c1")
	require.Len(t, stored, 2)
	assert.Equal(t, schema.Assistant, stored[1].Role)
	assert.Equal(t, result.Answer, stored[1].Content)
}

func TestGuardrailFailsOpen(t *testing.T) {
	h := newTestHarness(t,
		&scriptedModel{script: []any{reply("特休 折算")}},
		&scriptedModel{script: []any{errors.New("model unavailable"), reply(leaveCategory), reply("yes"), reply(optimizedJSON)}},
		&scriptedModel{script: []any{reply("答案。")}},
	)

	result, err := h.runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "c1",
		Query:          "特休沒休完怎麼辦?",
	})
	require.NoError(t, err)
	assert.Equal(t, "優化後的答案", result.Answer)
}

func TestRewriteRetryLoop(t *testing.T) {
	h := newTestHarness(t,
		&scriptedModel{script: []any{reply("第一次改寫"), reply("第二次改寫"), reply("第三次改寫")}},
		&scriptedModel{script: []any{
			reply(allowVerdict),
			reply(leaveCategory), reply("no"),
			reply(leaveCategory), reply("no"),
			reply(leaveCategory), reply("no"),
			reply(optimizedJSON),
		}},
		&scriptedModel{script: []any{reply("盡力回答。")}},
	)

	result, err := h.runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "c1",
		Query:          "那個東西可以換錢嗎?",
	})
	require.NoError(t, err)

	// Three rewrite passes, then generation proceeds despite the failed check.
	assert.Equal(t, 3, h.rewriter.callCount())
	assert.Equal(t, "第三次改寫", result.RewrittenQuery)
	assert.Equal(t, "優化後的答案", result.Answer)
	assert.Equal(t, 3, h.index.callCount())

	// The first pass uses the normal prompt, re-entries use the retry variant.
	first := h.rewriter.callInput(0)
	require.NotEmpty(t, first)
	assert.NotContains(t, first[0].Content, "換一組不同的關鍵詞")

	second := h.rewriter.callInput(1)
	require.NotEmpty(t, second)
	assert.Contains(t, second[0].Content, "換一組不同的關鍵詞")
}

func TestToolCallRoundTrip(t *testing.T) {
	h := newTestHarness(t,
		&scriptedModel{script: []any{reply("特休 折算 月薪")}},
		&scriptedModel{script: []any{reply(allowVerdict), reply(leaveCategory), reply("yes"), reply(optimizedJSON)}},
		&scriptedModel{script: []any{
			toolReply("calculate_vacation_pay", `{"monthly_salary":30000,"half_days_unused":3}`),
			reply("可折算 1500 元。"),
		}},
	)

	result, err := h.runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "c1",
		Query:          "我月薪三萬,剩三個半天特休,可以換多少錢?",
	})
	require.NoError(t, err)

	assert.Equal(t, "優化後的答案", result.Answer)
	assert.Equal(t, 2, h.generator.callCount())

	// Committed transcript: user, tool-call stub, tool result, final answer.
	stored := h.repo.stored("c1")
	require.Len(t, stored, 4)
	assert.Equal(t, schema.User, stored[0].Role)
	require.Len(t, stored[1].ToolCalls, 1)
	assert.NotEmpty(t, stored[1].ToolCalls[0].ID)
	assert.Equal(t, schema.Tool, stored[2].Role)
	assert.Contains(t, stored[2].Content, "1500")
	assert.Equal(t, schema.Assistant, stored[3].Role)
	assert.Equal(t, "優化後的答案", stored[3].Content)
}

func TestToolCallLimit(t *testing.T) {
	h := newTestHarness(t,
		&scriptedModel{script: []any{reply("特休 折算")}},
		&scriptedModel{script: []any{reply(allowVerdict), reply(leaveCategory), reply("yes")}},
		&scriptedModel{
			script: []any{toolReply("calculate_vacation_pay", `{"monthly_salary":30000,"half_days_unused":3}`)},
			repeat: true,
		},
	)

	result, err := h.runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "c1",
		Query:          "一直算",
	})
	require.NoError(t, err)

	// Three tool batches run, the fourth request is cut off with an apology.
	assert.Equal(t, 4, h.generator.callCount())
	assert.Contains(t, result.Answer, "上限")

	stored := h.repo.stored("c1")
	toolResults := 0
	for _, msg := range stored {
		if msg.Role == schema.Tool {
			toolResults++
		}
	}
	assert.Equal(t, 3, toolResults)
	assert.Equal(t, result.Answer, stored[len(stored)-1].Content)
}

func TestDuplicateQuestionNotDuplicated(t *testing.T) {
	h := newTestHarness(t,
		&scriptedModel{script: []any{reply("特休 折算")}},
		&scriptedModel{script: []any{reply(allowVerdict), reply(leaveCategory), reply("yes"), reply(optimizedJSON)}},
		&scriptedModel{script: []any{reply("答案。")}},
	)

	// Seed the thread so the incoming question matches its trailing message.
	require.NoError(t, h.repo.AppendMessages(context.Background(), "c1",
		[]*schema.Message{schema.UserMessage("特休沒休完怎麼辦?")}))

	_, err := h.runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "c1",
		Query:          "特休沒休完怎麼辦?",
	})
	require.NoError(t, err)

	stored := h.repo.stored("c1")
	userCount := 0
	for _, msg := range stored {
		if msg.Role == schema.User {
			userCount++
		}
	}
	assert.Equal(t, 1, userCount)
	assert.Equal(t, schema.Assistant, stored[len(stored)-1].Role)
}

func TestOptimizerFallback(t *testing.T) {
	h := newTestHarness(t,
		&scriptedModel{script: []any{reply("特休 折算")}},
		&scriptedModel{script: []any{reply(allowVerdict), reply(leaveCategory), reply("yes"), errors.New("optimizer down")}},
		&scriptedModel{script: []any{reply("原始答案。")}},
	)

	result, err := h.runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "c1",
		Query:          "特休沒休完怎麼辦?",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(result.Answer, "原始答案。"))
	assert.Contains(t, result.Answer, "若有其他需求歡迎詢問")
}
