package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/hr-leavebot/server/internal/agent/graph/tools"
)

//go:embed template/guardrail_prompt.txt
var guardrailPrompt string

//go:embed template/rewrite_normal_prompt.txt
var rewriteNormalPrompt string

//go:embed template/rewrite_retry_prompt.txt
var rewriteRetryPrompt string

//go:embed template/classify_prompt.txt
var classifyPrompt string

//go:embed template/verify_prompt.txt
var verifyPrompt string

//go:embed template/generate_system_prompt.txt
var generateSystemPrompt string

//go:embed template/optimize_prompt.txt
var optimizePrompt string

// NoHistoryPlaceholder is substituted when a turn has no prior conversation.
const NoHistoryPlaceholder = "無先前對話"

// render formats one embedded template via the Eino prompt component
// (Go template syntax) so prompt callbacks fire on every render.
func render(ctx context.Context, tmpl string, vars map[string]any) (string, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(tmpl),
	)
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("prompt render: empty result")
	}
	return msgs[0].Content, nil
}

func orNoHistory(history string) string {
	if strings.TrimSpace(history) == "" {
		return NoHistoryPlaceholder
	}
	return history
}

// RenderGuardrail renders the policy-relevance gate prompt.
func RenderGuardrail(ctx context.Context, history, query string) (string, error) {
	return render(ctx, guardrailPrompt, map[string]any{
		"History": orNoHistory(history),
		"Query":   query,
	})
}

// RenderRewrite renders the retrieval-query rewrite prompt. The retry variant
// instructs the model to try different keyword framing, which is how the
// pipeline escapes repeated irrelevant-retrieval loops.
func RenderRewrite(ctx context.Context, history, query string, retry bool) (string, error) {
	tmpl := rewriteNormalPrompt
	if retry {
		tmpl = rewriteRetryPrompt
	}
	return render(ctx, tmpl, map[string]any{
		"History": orNoHistory(history),
		"Query":   query,
	})
}

// RenderClassify renders the topic-taxonomy classification prompt.
func RenderClassify(ctx context.Context, query string) (string, error) {
	return render(ctx, classifyPrompt, map[string]any{
		"Query": query,
	})
}

// RenderVerify renders the yes/no relevance-judgment prompt against the
// original (not rewritten) question.
func RenderVerify(ctx context.Context, query, knowledgeContext string) (string, error) {
	return render(ctx, verifyPrompt, map[string]any{
		"Query":   query,
		"Context": knowledgeContext,
	})
}

// RenderGenerateSystem renders the generator system instruction embedding the
// assembled knowledge context. It is rebuilt on every generation round and
// never persisted into the conversation transcript.
func RenderGenerateSystem(ctx context.Context, knowledgeContext string) (string, error) {
	return render(ctx, generateSystemPrompt, map[string]any{
		"Context":      knowledgeContext,
		"VacationTool": tools.ToolCalcVacationPay,
		"OvertimeTool": tools.ToolCalcUnusedOvertimePay,
	})
}

// RenderOptimize renders the tone/format normalization prompt.
func RenderOptimize(ctx context.Context, answer string) (string, error) {
	return render(ctx, optimizePrompt, map[string]any{
		"Answer": answer,
	})
}
