package model

import (
	"github.com/cloudwego/eino/schema"
)

// Status is the last decision signal recorded in TurnState. It is consumed
// by the next conditional edge and may then be overwritten.
type Status string

const (
	StatusPass       Status = "pass"
	StatusBlocked    Status = "blocked"
	StatusRelevant   Status = "relevant"
	StatusIrrelevant Status = "irrelevant"
	StatusNoContent  Status = "no_content"
)

// TurnState stores per-invocation state for the answering graph.
// Concurrency model:
//   - This struct is registered as Graph Local State via compose.WithGenLocalState.
//   - All reads/writes happen only inside Eino state handlers:
//     WithStatePreHandler, WithStatePostHandler, or compose.ProcessState.
//   - Eino serializes access to state within these handlers, so no additional
//     mutex/atomic is required as long as you never touch it outside handlers.
//   - Cross-turn persistence goes through the ConversationRepository; the graph
//     itself only mutates this in-memory state and the runner commits the new
//     messages after a successful traversal.
type TurnState struct {
	ConversationID string
	OriginalQuery  string
	RewrittenQuery string // overwritten on every rewrite pass
	Category       string // topic tag, defaults to "other"

	RetrievedDocs []*schema.Document // latest retrieval pass only
	RerankedDocs  []*schema.Document // latest rerank pass only
	Context       string             // assembled from RerankedDocs; empty means no usable knowledge

	FinalAnswer string
	Status      Status

	RetryCount           int // rewrite invocations this turn, never reset
	ToolCallCount        int // completed tool batches this turn
	ToolCallLimitReached bool
	ToolCallIDSeq        int // synthesizes tool_call_id when the provider omits it

	// Messages is the full conversation transcript for this thread: the loaded
	// history followed by everything appended during this turn. Append-only;
	// system prompts are never stored here.
	Messages []*schema.Message
	// LoadedCount is how many leading entries of Messages came from the store.
	// Everything after that index is new this turn and gets committed on success.
	LoadedCount int

	// Accumulated total LLM cost (USD) across model invocations for this query
	TotalCostUSD float64
}

// NewMessages returns the messages produced during this turn, in order.
func (s *TurnState) NewMessages() []*schema.Message {
	if s.LoadedCount >= len(s.Messages) {
		return nil
	}
	return s.Messages[s.LoadedCount:]
}

// QueryInput represents one inbound question on a conversation thread.
type QueryInput struct {
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query"`
}

// Decision is the payload of the model-mediated control points (guardrail
// verdict and relevance verdict). Answer is populated only by a guardrail
// block, carrying the user-visible block message.
type Decision struct {
	Status Status
	Reason string
	Answer string
}

// RetrievalPlan pairs the retrieval-ready query with its topic category.
type RetrievalPlan struct {
	Query    string
	Category string
}

// TurnResult is the terminal output of one graph traversal.
type TurnResult struct {
	OriginalQuery  string
	RewrittenQuery string
	Answer         string
	Context        string

	// NewMessages carries this turn's transcript additions for the runner to
	// commit after a successful traversal.
	NewMessages []*schema.Message
}
