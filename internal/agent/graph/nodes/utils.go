package nodes

import (
	"github.com/cloudwego/eino/schema"

	"github.com/hr-leavebot/server/internal/agent/model"
	logx "github.com/hr-leavebot/server/pkg/logger"
)

const (
	// DefaultMaxRewrites caps how many times a turn may re-enter the rewrite
	// node after the first pass.
	DefaultMaxRewrites = 3

	// DefaultMaxToolCalls caps how many tool batches the generator may
	// trigger within a single turn.
	DefaultMaxToolCalls = 3
)

func normalizeLimit(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

// rewriteBudgetExhausted reports whether the turn may enter the rewrite node
// again. The count covers every rewrite invocation, the initial pass included.
func rewriteBudgetExhausted(state *model.TurnState, maxRewrites int) bool {
	return state.RetryCount >= normalizeLimit(maxRewrites, DefaultMaxRewrites)
}

// recordToolBatch counts one completed tool batch and reports whether the
// budget is now spent. A batch counts once no matter how many calls it held.
func recordToolBatch(state *model.TurnState, maxToolCalls int) bool {
	state.ToolCallCount++
	if state.ToolCallCount >= normalizeLimit(maxToolCalls, DefaultMaxToolCalls) {
		state.ToolCallLimitReached = true
	}
	return state.ToolCallLimitReached
}

// recordUsageCost accumulates the per-call token cost on the turn state and
// logs it when pricing is known for the model.
func recordUsageCost(state *model.TurnState, out *schema.Message, modelName, node string) {
	if !model.CostEnabled() {
		return
	}
	if out == nil || out.ResponseMeta == nil || out.ResponseMeta.Usage == nil {
		return
	}
	usage := out.ResponseMeta.Usage

	pricing := model.ResolvePricing(modelName)
	_, _, total := model.ComputeCost(usage, pricing)
	state.TotalCostUSD += total

	logx.Debug().
		Str("node", node).
		Str("model", modelName).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Float64("call_cost_usd", total).
		Float64("turn_cost_usd", state.TotalCostUSD).
		Msg("Token usage")
}
