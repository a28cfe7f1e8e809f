package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/hr-leavebot/server/internal/agent/graph/conversations"
	"github.com/hr-leavebot/server/internal/agent/graph/parsers"
	"github.com/hr-leavebot/server/internal/agent/graph/prompts"
	"github.com/hr-leavebot/server/internal/agent/model"
	"github.com/hr-leavebot/server/internal/agent/rag"
	"github.com/hr-leavebot/server/pkg/chinese"
	logx "github.com/hr-leavebot/server/pkg/logger"
)

// Graph node names.
const (
	NodeInitializer      = "initializer"
	NodeGuardrail        = "guardrail"
	NodeBlockedReply     = "blocked_reply"
	NodeRewrite          = "rewrite"
	NodeClassify         = "classify"
	NodeRetrieve         = "retrieve"
	NodeRerank           = "rerank"
	NodeVerify           = "verify"
	NodeContextAssembler = "context_assembler"
	NodeGenerate         = "generate"
	NodeToolExecutor     = "tool_executor"
	NodeToolCounter      = "tool_counter"
	NodeLimitReply       = "limit_reply"
	NodeOptimize         = "optimize"
)

const (
	// blockedFallbackMessage is returned when the guardrail blocks a query but
	// produced no usable refusal text of its own.
	blockedFallbackMessage = "抱歉,我只能協助回答請假與差勤相關的問題。"

	// toolLimitMessage replaces the answer when the generator keeps requesting
	// tools past the per-turn budget.
	toolLimitMessage = "抱歉,這個問題需要的計算次數超過單次處理的上限,請將問題拆得更小或提供更完整的數字後再試一次。"

	// courtesySuffix is appended to the unoptimized answer when the
	// optimization call fails.
	courtesySuffix = "\n\n若有其他需求歡迎詢問"
)

// NewInitializerPreHandler seeds the turn state from the inbound query.
func NewInitializerPreHandler() func(context.Context, model.QueryInput, *model.TurnState) (model.QueryInput, error) {
	return func(ctx context.Context, in model.QueryInput, state *model.TurnState) (model.QueryInput, error) {
		state.ConversationID = in.ConversationID
		state.OriginalQuery = in.Query
		state.Category = rag.DefaultCategory
		state.Status = model.StatusPass
		return in, nil
	}
}

// NewInitializerNode loads the stored conversation and stages this turn's user
// message. The store is only read here; nothing is written back until the
// runner commits a successful turn.
func NewInitializerNode(mm *conversations.MessagesManager) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in model.QueryInput) (model.QueryInput, error) {
		messages, loadedCount, err := mm.StartTurn(ctx, in.ConversationID, in.Query)
		if err != nil {
			return model.QueryInput{}, fmt.Errorf("load conversation %s: %w", in.ConversationID, err)
		}

		err = compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			state.Messages = messages
			state.LoadedCount = loadedCount
			return nil
		})
		if err != nil {
			return model.QueryInput{}, fmt.Errorf("failed to access state: %w", err)
		}

		logx.Debug().
			Str("conversation_id", in.ConversationID).
			Int("history_messages", loadedCount).
			Msg("Turn initialized")
		return in, nil
	})
}

// NewGuardrailNode asks the decision model whether the query is in scope.
// The gate fails open: any model or parse failure lets the query through.
func NewGuardrailNode(decisionModel ChatModelCaller, mm *conversations.MessagesManager) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in model.QueryInput) (*model.Decision, error) {
		var history string
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			history = mm.FormatHistory(state.Messages)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		promptText, err := prompts.RenderGuardrail(ctx, history, in.Query)
		if err != nil {
			return nil, fmt.Errorf("render guardrail prompt: %w", err)
		}

		resp, err := decisionModel.Generate(ctx, []*schema.Message{schema.UserMessage(promptText)})
		if err != nil {
			logx.Warn().Err(err).Msg("Guardrail model call failed, allowing query through")
			return &model.Decision{Status: model.StatusPass}, nil
		}

		verdict, err := parsers.ParseGuardrailVerdict(resp.Content)
		if err != nil {
			logx.Warn().Err(err).Msg("Guardrail verdict unreadable, allowing query through")
			return &model.Decision{Status: model.StatusPass}, nil
		}

		if verdict.Decision == "blocked" {
			answer := strings.TrimSpace(verdict.Response)
			if answer == "" {
				answer = blockedFallbackMessage
			}
			logx.Info().Str("reason", verdict.Reason).Msg("Query blocked by guardrail")
			return &model.Decision{Status: model.StatusBlocked, Reason: verdict.Reason, Answer: answer}, nil
		}

		return &model.Decision{Status: model.StatusPass, Reason: verdict.Reason}, nil
	})
}

// NewGuardrailPostHandler records the verdict; a block also stages the refusal
// as this turn's assistant message so it persists with the transcript.
func NewGuardrailPostHandler() func(context.Context, *model.Decision, *model.TurnState) (*model.Decision, error) {
	return func(ctx context.Context, out *model.Decision, state *model.TurnState) (*model.Decision, error) {
		state.Status = out.Status
		if out.Status == model.StatusBlocked {
			state.FinalAnswer = out.Answer
			state.Messages = append(state.Messages, schema.AssistantMessage(out.Answer, nil))
		}
		return out, nil
	}
}

// NewGuardrailCondition routes blocked queries to the terminal reply node.
func NewGuardrailCondition() func(context.Context, *model.Decision) (string, error) {
	return func(ctx context.Context, in *model.Decision) (string, error) {
		if in.Status == model.StatusBlocked {
			return NodeBlockedReply, nil
		}
		return NodeRewrite, nil
	}
}

// NewBlockedReplyNode terminates a blocked turn with the refusal answer.
func NewBlockedReplyNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.Decision) (*model.TurnResult, error) {
		result := &model.TurnResult{Answer: in.Answer}
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			result.OriginalQuery = state.OriginalQuery
			result.NewMessages = state.NewMessages()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}
		return result, nil
	})
}

// NewRewriteNode rewrites the user question into a retrieval-friendly query.
// On re-entry after a failed relevance check it switches to the retry prompt,
// which pushes the model toward different keywords. A model failure falls back
// to the original question so the turn keeps moving.
func NewRewriteNode(rewriterModel ChatModelCaller, mm *conversations.MessagesManager) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.Decision) (string, error) {
		var (
			history  string
			original string
			retry    bool
		)
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			history = mm.FormatHistory(state.Messages)
			original = state.OriginalQuery
			retry = state.RetryCount > 0
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to access state: %w", err)
		}

		promptText, err := prompts.RenderRewrite(ctx, history, original, retry)
		if err != nil {
			return "", fmt.Errorf("render rewrite prompt: %w", err)
		}

		resp, err := rewriterModel.Generate(ctx, []*schema.Message{schema.UserMessage(promptText)})
		if err != nil {
			logx.Warn().Err(err).Msg("Rewrite model call failed, using original query")
			return original, nil
		}

		rewritten := strings.TrimSpace(resp.Content)
		if rewritten == "" {
			rewritten = original
		}
		return rewritten, nil
	})
}

// NewRewritePostHandler stores the rewritten query and counts the pass.
// The counter only moves forward; it is never reset within a turn.
func NewRewritePostHandler() func(context.Context, string, *model.TurnState) (string, error) {
	return func(ctx context.Context, out string, state *model.TurnState) (string, error) {
		state.RetryCount++
		state.RewrittenQuery = out
		logx.Debug().
			Int("rewrite_pass", state.RetryCount).
			Str("rewritten_query", out).
			Msg("Query rewritten")
		return out, nil
	}
}

// NewClassifyNode tags the rewritten query with a topic category. Any failure
// degrades to the catch-all category rather than stopping the turn.
func NewClassifyNode(decisionModel ChatModelCaller) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in string) (*model.RetrievalPlan, error) {
		promptText, err := prompts.RenderClassify(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("render classify prompt: %w", err)
		}

		category := rag.DefaultCategory
		resp, err := decisionModel.Generate(ctx, []*schema.Message{schema.UserMessage(promptText)})
		if err != nil {
			logx.Warn().Err(err).Msg("Classification model call failed, using default category")
		} else {
			category = parsers.ParseCategory(resp.Content)
		}

		logx.Debug().Str("category", category).Msg("Query classified")
		return &model.RetrievalPlan{Query: in, Category: category}, nil
	})
}

// NewClassifyPostHandler records the category on the turn state.
func NewClassifyPostHandler() func(context.Context, *model.RetrievalPlan, *model.TurnState) (*model.RetrievalPlan, error) {
	return func(ctx context.Context, out *model.RetrievalPlan, state *model.TurnState) (*model.RetrievalPlan, error) {
		state.Category = out.Category
		return out, nil
	}
}

// NewRetrieveNode runs the vector search. A recognized category narrows the
// search to that slice of the knowledge base without a score floor; the
// catch-all category searches everything above the similarity threshold.
func NewRetrieveNode(index retriever.Retriever, retrievalCfg *model.RetrievalConfig) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.RetrievalPlan) ([]*schema.Document, error) {
		opts := []retriever.Option{retriever.WithTopK(retrievalCfg.TopK)}
		if in.Category != "" && in.Category != rag.DefaultCategory {
			opts = append(opts, retriever.WithSubIndex(in.Category))
		} else {
			opts = append(opts, retriever.WithScoreThreshold(retrievalCfg.SimilarityThreshold))
		}

		docs, err := index.Retrieve(ctx, in.Query, opts...)
		if err != nil {
			return nil, fmt.Errorf("retrieve documents: %w", err)
		}

		logx.Debug().
			Str("category", in.Category).
			Int("documents", len(docs)).
			Msg("Documents retrieved")
		return docs, nil
	})
}

// NewRetrievePostHandler records the retrieval result on the turn state.
func NewRetrievePostHandler() func(context.Context, []*schema.Document, *model.TurnState) ([]*schema.Document, error) {
	return func(ctx context.Context, out []*schema.Document, state *model.TurnState) ([]*schema.Document, error) {
		state.RetrievedDocs = out
		return out, nil
	}
}

// NewRerankNode reorders the retrieved documents with the cross-encoder
// reranker and assembles the knowledge context string. An empty retrieval pass
// short-circuits with an empty context; the reranker is never called then.
func NewRerankNode(reranker rag.Reranker, topN int) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in []*schema.Document) (string, error) {
		if len(in) == 0 {
			err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
				state.RerankedDocs = nil
				state.Context = ""
				return nil
			})
			if err != nil {
				return "", fmt.Errorf("failed to access state: %w", err)
			}
			logx.Debug().Msg("Nothing retrieved, skipping rerank")
			return "", nil
		}

		var query string
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			query = state.RewrittenQuery
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to access state: %w", err)
		}

		reranked, err := reranker.Rerank(ctx, query, in, topN)
		if err != nil {
			return "", fmt.Errorf("rerank documents: %w", err)
		}

		knowledgeContext := rag.AssembleContext(reranked)
		err = compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			state.RerankedDocs = reranked
			state.Context = knowledgeContext
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to access state: %w", err)
		}

		logx.Debug().Int("documents", len(reranked)).Msg("Documents reranked")
		return knowledgeContext, nil
	})
}

// NewVerifyNode judges whether the assembled context can answer the original
// question. An empty context is a definite no without a model call; a model
// failure counts as relevant so the turn still produces an answer.
func NewVerifyNode(decisionModel ChatModelCaller) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in string) (*model.Decision, error) {
		if strings.TrimSpace(in) == "" {
			return &model.Decision{Status: model.StatusNoContent}, nil
		}

		var original string
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			original = state.OriginalQuery
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		promptText, err := prompts.RenderVerify(ctx, original, in)
		if err != nil {
			return nil, fmt.Errorf("render verify prompt: %w", err)
		}

		resp, err := decisionModel.Generate(ctx, []*schema.Message{schema.UserMessage(promptText)})
		if err != nil {
			logx.Warn().Err(err).Msg("Relevance model call failed, proceeding with current context")
			return &model.Decision{Status: model.StatusRelevant}, nil
		}

		if parsers.ParseRelevance(resp.Content) {
			return &model.Decision{Status: model.StatusRelevant}, nil
		}
		return &model.Decision{Status: model.StatusIrrelevant}, nil
	})
}

// NewVerifyPostHandler records the relevance verdict on the turn state.
func NewVerifyPostHandler() func(context.Context, *model.Decision, *model.TurnState) (*model.Decision, error) {
	return func(ctx context.Context, out *model.Decision, state *model.TurnState) (*model.Decision, error) {
		state.Status = out.Status
		return out, nil
	}
}

// NewVerifyCondition loops an unusable context back to the rewrite node until
// the rewrite budget runs out, then proceeds to generation with whatever
// context is on hand.
func NewVerifyCondition(maxRewrites int) func(context.Context, *model.Decision) (string, error) {
	return func(ctx context.Context, in *model.Decision) (string, error) {
		if in.Status == model.StatusRelevant {
			return NodeContextAssembler, nil
		}

		var exhausted bool
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			exhausted = rewriteBudgetExhausted(state, maxRewrites)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to access state: %w", err)
		}

		if exhausted {
			logx.Warn().Msg("Rewrite budget exhausted, proceeding to generation")
			return NodeContextAssembler, nil
		}

		logx.Info().Str("status", string(in.Status)).Msg("Context not usable, rewriting query")
		return NodeRewrite, nil
	}
}

// NewContextAssemblerNode builds the generator payload: the freshly rendered
// system instruction followed by the sanitized transcript.
func NewContextAssemblerNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *model.Decision) ([]*schema.Message, error) {
		var payload []*schema.Message
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			var buildErr error
			payload, buildErr = buildGeneratePayload(ctx, state)
			return buildErr
		})
		if err != nil {
			return nil, err
		}
		return payload, nil
	})
}

// buildGeneratePayload renders the system instruction from the current context
// and prepends it to the transcript. The system message is rebuilt per call
// and never stored, so the transcript stays portable across turns.
func buildGeneratePayload(ctx context.Context, state *model.TurnState) ([]*schema.Message, error) {
	systemPrompt, err := prompts.RenderGenerateSystem(ctx, state.Context)
	if err != nil {
		return nil, fmt.Errorf("render generator system prompt: %w", err)
	}

	history := conversations.SanitizeForModel(state.Messages)
	payload := make([]*schema.Message, 0, len(history)+1)
	payload = append(payload, schema.SystemMessage(systemPrompt))
	payload = append(payload, history...)
	return payload, nil
}

// NewGeneratePreHandler rebuilds the model payload from state on every
// generation round. Tool results re-entering from the executor are already on
// the transcript at this point, so rebuilding keeps the system instruction
// first regardless of which edge led here.
func NewGeneratePreHandler() func(context.Context, []*schema.Message, *model.TurnState) ([]*schema.Message, error) {
	return func(ctx context.Context, in []*schema.Message, state *model.TurnState) ([]*schema.Message, error) {
		return buildGeneratePayload(ctx, state)
	}
}

// NewGeneratePostHandler appends the model turn to the transcript, fills in
// missing tool-call IDs and records the answer when no tools were requested.
func NewGeneratePostHandler(modelName string) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		recordUsageCost(state, out, modelName, NodeGenerate)

		// Some providers omit tool-call IDs; the executor and transcript
		// sanitizer both key on them, so synthesize when absent.
		for i := range out.ToolCalls {
			if strings.TrimSpace(out.ToolCalls[i].ID) == "" {
				state.ToolCallIDSeq++
				out.ToolCalls[i].ID = fmt.Sprintf("call_%d", state.ToolCallIDSeq)
			}
		}

		state.Messages = append(state.Messages, out)

		if len(out.ToolCalls) > 0 {
			state.FinalAnswer = ""
			logx.Debug().Int("tool_count", len(out.ToolCalls)).Msg("Generator requested tools")
		} else {
			state.FinalAnswer = out.Content
			logx.Debug().Msg("Generator produced an answer")
		}
		return out, nil
	}
}

// NewGenerateCondition routes tool requests to the executor while the budget
// lasts, cuts the loop off with the limit reply once it is spent, and sends
// finished answers to optimization.
func NewGenerateCondition(maxToolCalls int) func(context.Context, *schema.Message) (string, error) {
	return func(ctx context.Context, in *schema.Message) (string, error) {
		if len(in.ToolCalls) == 0 {
			return NodeOptimize, nil
		}

		var spent bool
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			spent = state.ToolCallCount >= normalizeLimit(maxToolCalls, DefaultMaxToolCalls)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to access state: %w", err)
		}

		if spent {
			logx.Warn().Msg("Tool call budget spent, ending turn with limit reply")
			return NodeLimitReply, nil
		}
		return NodeToolExecutor, nil
	}
}

// NewToolExecutorPreHandler logs the batch about to run. Counting happens
// after execution in the tool counter node, so a failed batch is never billed.
func NewToolExecutorPreHandler() func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, in *schema.Message, state *model.TurnState) (*schema.Message, error) {
		logx.Debug().
			Int("batch_tools", len(in.ToolCalls)).
			Int("completed_batches", state.ToolCallCount).
			Str("conversation_id", state.ConversationID).
			Msg("Executing tool batch")
		return in, nil
	}
}

// NewToolCounterNode appends the batch results to the transcript and counts
// the completed batch. One batch counts once no matter how many calls it held.
func NewToolCounterNode(maxToolCalls int) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in []*schema.Message) ([]*schema.Message, error) {
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			state.Messages = append(state.Messages, in...)
			limitHit := recordToolBatch(state, maxToolCalls)
			logx.Debug().
				Int("completed_batches", state.ToolCallCount).
				Bool("limit_reached", limitHit).
				Msg("Tool batch completed")
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}
		return in, nil
	})
}

// NewLimitReplyNode ends a turn whose tool budget ran out. The apology becomes
// the turn's answer and is staged on the transcript so the stored conversation
// explains itself on the next turn.
func NewLimitReplyNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *schema.Message) (*model.TurnResult, error) {
		result := &model.TurnResult{Answer: toolLimitMessage}
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			state.FinalAnswer = toolLimitMessage
			state.Messages = append(state.Messages, schema.AssistantMessage(toolLimitMessage, nil))
			result.OriginalQuery = state.OriginalQuery
			result.RewrittenQuery = state.RewrittenQuery
			result.Context = state.Context
			result.NewMessages = state.NewMessages()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}
		return result, nil
	})
}

// NewOptimizeNode normalizes the finished answer: a tone/format pass through
// the decision model, then script conversion to Traditional Chinese. A failed
// optimization keeps the unoptimized answer with a courtesy suffix.
func NewOptimizeNode(decisionModel ChatModelCaller) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, in *schema.Message) (*model.TurnResult, error) {
		result := &model.TurnResult{}
		var answer string
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			answer = state.FinalAnswer
			if strings.TrimSpace(answer) == "" {
				answer = conversations.LastAssistantText(state.Messages)
			}
			result.OriginalQuery = state.OriginalQuery
			result.RewrittenQuery = state.RewrittenQuery
			result.Context = state.Context
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		if strings.TrimSpace(answer) == "" {
			logx.Warn().Msg("No answer to optimize")
			err = compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
				result.NewMessages = state.NewMessages()
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("failed to access state: %w", err)
			}
			return result, nil
		}

		optimized, err := optimizeAnswer(ctx, decisionModel, answer)
		if err != nil {
			logx.Warn().Err(err).Msg("Answer optimization failed, keeping original answer")
			optimized = answer + courtesySuffix
		}
		optimized = chinese.ToTraditional(optimized)

		result.Answer = optimized
		err = compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			state.FinalAnswer = optimized
			replaceFinalAssistantText(state, optimized)
			result.NewMessages = state.NewMessages()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}
		return result, nil
	})
}

func optimizeAnswer(ctx context.Context, decisionModel ChatModelCaller, answer string) (string, error) {
	promptText, err := prompts.RenderOptimize(ctx, answer)
	if err != nil {
		return "", fmt.Errorf("render optimize prompt: %w", err)
	}
	resp, err := decisionModel.Generate(ctx, []*schema.Message{schema.UserMessage(promptText)})
	if err != nil {
		return "", err
	}
	return parsers.ParseOptimizedAnswer(resp.Content), nil
}

// replaceFinalAssistantText swaps the trailing assistant answer on the
// transcript for its optimized form so the stored history matches what the
// user actually received.
func replaceFinalAssistantText(state *model.TurnState, optimized string) {
	for i := len(state.Messages) - 1; i >= state.LoadedCount; i-- {
		msg := state.Messages[i]
		if msg != nil && msg.Role == schema.Assistant && len(msg.ToolCalls) == 0 {
			state.Messages[i] = schema.AssistantMessage(optimized, nil)
			return
		}
	}
	// The answer came from an earlier turn's fallback; stage it as new.
	state.Messages = append(state.Messages, schema.AssistantMessage(optimized, nil))
}
