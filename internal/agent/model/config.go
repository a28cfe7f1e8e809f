package model

// ================ Config ================
type ConversationConfig struct {
	TTL     string `envconfig:"CONVERSATION_TTL" default:"24h"`
	History struct {
		ToolPreviewLen int `envconfig:"CONVERSATION_TOOL_PREVIEW_LEN" default:"100"`
	}
	Rewrite struct {
		MaxRetries int `envconfig:"CONVERSATION_REWRITE_MAX_RETRIES" default:"3"`
	}
	Tools struct {
		MaxCalls int `envconfig:"CONVERSATION_TOOL_MAX_CALLS" default:"3"`
	}
}

type RewriterModelConfig struct {
	Model       string  `envconfig:"REWRITER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"REWRITER_MAX_TOKENS" default:"1000"`
	Temperature float32 `envconfig:"REWRITER_TEMPERATURE" default:"0.3"`
}

// DecisionModelConfig drives the structured calls: guardrail decision,
// topic classification, relevance verdict and answer optimization.
type DecisionModelConfig struct {
	Model       string  `envconfig:"DECISION_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"DECISION_MAX_TOKENS" default:"1000"`
	Temperature float32 `envconfig:"DECISION_TEMPERATURE" default:"0.0"`
}

type GeneratorModelConfig struct {
	Model       string  `envconfig:"GENERATOR_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"GENERATOR_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"GENERATOR_TEMPERATURE" default:"0.4"`
}

type RetrievalConfig struct {
	KnowledgePath       string  `envconfig:"KNOWLEDGE_PATH" default:"data/leave_qa.csv"`
	EmbeddingModel      string  `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	TopK                int     `envconfig:"TOP_K_RETRIEVAL" default:"8"`
	TopN                int     `envconfig:"TOP_N_RERANK" default:"2"`
	SimilarityThreshold float64 `envconfig:"SIMILARITY_THRESHOLD" default:"0.4"`
	RerankerURL         string  `envconfig:"RERANKER_URL" default:"http://localhost:8089/rerank"`
	RerankerTimeout     int     `envconfig:"RERANKER_TIMEOUT_SECONDS" default:"30"`
}
