package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/compose"

	"github.com/hr-leavebot/server/internal/agent/graph/conversations"
	"github.com/hr-leavebot/server/internal/agent/graph/nodes"
	"github.com/hr-leavebot/server/internal/agent/graph/observers"
	"github.com/hr-leavebot/server/internal/agent/graph/tools"
	"github.com/hr-leavebot/server/internal/agent/model"
	"github.com/hr-leavebot/server/internal/agent/rag"
	logx "github.com/hr-leavebot/server/pkg/logger"
)

// Runner executes one conversation turn through the compiled answering graph.
type Runner interface {
	Invoke(ctx context.Context, in model.QueryInput) (*model.TurnResult, error)
}

// Config holds everything needed to compose the full answering graph end-to-end.
// This is a convenience layer over GraphConfig that also constructs the chat
// models, the knowledge index, the reranker client and the messages manager.
type Config struct {
	APIKey  string
	BaseURL string

	Rewriter     model.RewriterModelConfig
	Decision     model.DecisionModelConfig
	Generator    model.GeneratorModelConfig
	Retrieval    model.RetrievalConfig
	Conversation model.ConversationConfig

	ConversationRepo model.ConversationRepository
}

// GraphConfig holds all configuration needed to build the graph
type GraphConfig struct {
	ChatModels      *nodes.ChatModels
	MessagesManager *conversations.MessagesManager
	Index           retriever.Retriever
	Reranker        rag.Reranker
	Retrieval       *model.RetrievalConfig
	MaxRewrites     int
	MaxToolCalls    int
}

// GraphBuilder handles the construction of the answering graph
type GraphBuilder struct {
	config *GraphConfig
	graph  *compose.Graph[model.QueryInput, *model.TurnResult]
}

type graphRunner struct {
	runnable compose.Runnable[model.QueryInput, *model.TurnResult]
	messages *conversations.MessagesManager
	locker   *conversations.KeyedMutex
}

func (r *graphRunner) Invoke(ctx context.Context, in model.QueryInput) (*model.TurnResult, error) {
	if strings.TrimSpace(in.ConversationID) == "" {
		return nil, fmt.Errorf("conversation id is empty")
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("query is empty")
	}

	// One turn at a time per conversation: a traversal stages transcript
	// additions that must not interleave with a concurrent turn on the
	// same thread. Distinct conversations run in parallel.
	r.locker.Lock(in.ConversationID)
	defer r.locker.Unlock(in.ConversationID)

	out, err := r.runnable.Invoke(ctx, in, compose.WithCallbacks(observers.NewAllCallbacks()))
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("graph produced no result")
	}

	// Commit only after a successful traversal; a failed turn leaves the
	// stored conversation exactly as it was.
	if err := r.messages.Commit(ctx, in.ConversationID, out.NewMessages); err != nil {
		// The caller already has the answer; losing one transcript append
		// is recoverable while failing the whole turn is not.
		logx.Error().
			Str("conversation_id", in.ConversationID).
			Err(err).
			Msg("Error committing conversation turn")
	}
	return out, nil
}

// BuildAnswerGraph composes the chat models, knowledge index, reranker and
// messages manager, builds the graph and returns a Runner.
func BuildAnswerGraph(ctx context.Context, cfg Config) (Runner, error) {
	if cfg.ConversationRepo == nil {
		return nil, fmt.Errorf("conversation repo is nil")
	}

	client, err := nodes.NewGenAIClient(ctx, cfg.APIKey, cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	cms, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		Client:    client,
		Rewriter:  &cfg.Rewriter,
		Decision:  &cfg.Decision,
		Generator: &cfg.Generator,
	})
	if err != nil {
		return nil, err
	}

	docs, err := rag.LoadKnowledgeBase(cfg.Retrieval.KnowledgePath)
	if err != nil {
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}

	index, err := rag.BuildIndex(ctx, rag.IndexConfig{
		Embedder:       rag.NewGenAIEmbedder(client, cfg.Retrieval.EmbeddingModel),
		TopK:           cfg.Retrieval.TopK,
		ScoreThreshold: cfg.Retrieval.SimilarityThreshold,
	}, docs)
	if err != nil {
		return nil, fmt.Errorf("build knowledge index: %w", err)
	}

	reranker := rag.NewHTTPReranker(
		cfg.Retrieval.RerankerURL,
		time.Duration(cfg.Retrieval.RerankerTimeout)*time.Second,
	)

	mm := conversations.NewMessagesManager(cfg.ConversationRepo, cfg.Conversation)

	runnable, err := BuildGraph(ctx, &GraphConfig{
		ChatModels:      cms,
		MessagesManager: mm,
		Index:           index,
		Reranker:        reranker,
		Retrieval:       &cfg.Retrieval,
		MaxRewrites:     cfg.Conversation.Rewrite.MaxRetries,
		MaxToolCalls:    cfg.Conversation.Tools.MaxCalls,
	})
	if err != nil {
		return nil, err
	}

	logx.Debug().Int("knowledge_documents", len(docs)).Msg("Answer graph built successfully")
	return &graphRunner{
		runnable: runnable,
		messages: mm,
		locker:   conversations.NewKeyedMutex(),
	}, nil
}

// BuildGraph constructs and returns the compiled answering graph
func BuildGraph(ctx context.Context, config *GraphConfig) (compose.Runnable[model.QueryInput, *model.TurnResult], error) {
	// Basic config validation
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if config.ChatModels == nil || config.ChatModels.Rewriter == nil ||
		config.ChatModels.Decision == nil || config.ChatModels.Generator == nil {
		return nil, fmt.Errorf("chat models are not properly initialized")
	}
	if config.MessagesManager == nil {
		return nil, fmt.Errorf("messages manager is nil")
	}
	if config.Index == nil || config.Reranker == nil {
		return nil, fmt.Errorf("retrieval components are not properly initialized")
	}
	if config.Retrieval == nil {
		return nil, fmt.Errorf("retrieval config is nil")
	}

	builder := &GraphBuilder{
		config: config,
		graph: compose.NewGraph[model.QueryInput, *model.TurnResult](
			compose.WithGenLocalState(func(ctx context.Context) *model.TurnState {
				return &model.TurnState{}
			}),
		),
	}

	if err := builder.setupTools(ctx); err != nil {
		return nil, err
	}

	builder.addNodes()
	builder.addEdges()

	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	return builder.compile(ctx)
}

// setupTools configures the calculator tools and binds them to the generator
func (b *GraphBuilder) setupTools(ctx context.Context) error {
	calculatorTools := tools.GetQueryTools()
	toolInfos, err := tools.GetToolInfos(ctx, calculatorTools)
	if err != nil {
		logx.Error().Err(err).Msg("Failed to get tool infos")
		return fmt.Errorf("failed to get tool infos: %w", err)
	}

	if err := b.config.ChatModels.BindToolsToGenerator(ctx, toolInfos); err != nil {
		logx.Error().Err(err).Msg("Failed to bind tools to generator model")
		return fmt.Errorf("failed to bind tools to generator model: %w", err)
	}

	toolsNode, err := compose.NewToolNode(ctx, &compose.ToolsNodeConfig{
		Tools:               calculatorTools,
		ExecuteSequentially: true,
		UnknownToolsHandler: func(ctx context.Context, name, input string) (string, error) {
			// Gracefully handle hallucinated or malformed tool calls (e.g., empty name)
			logx.Warn().
				Str("tool_name", name).
				Str("arguments", input).
				Msg("Unknown or invalid tool call; returning fallback result")
			return fmt.Sprintf("{\"error\":\"unknown_tool\",\"name\":%q,\"note\":\"ignored\"}", name), nil
		},
		ToolArgumentsHandler: func(ctx context.Context, name, arguments string) (string, error) {
			// Best-effort sanitize; never fail hard here
			var m map[string]any
			if err := json.Unmarshal([]byte(arguments), &m); err != nil {
				// keep original if not JSON
				return arguments, nil
			}

			switch name {
			case tools.ToolCalcVacationPay, tools.ToolCalcUnusedOvertimePay:
				// All calculator arguments are numeric; coerce string
				// numbers so strict-typed decoding succeeds. Absent keys
				// stay absent: the tools report missing arguments
				// themselves instead of guessing values.
				for key, v := range m {
					if s, ok := v.(string); ok {
						if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
							m[key] = f
						}
					}
				}
			}

			sanitized, err := json.Marshal(m)
			if err != nil {
				// fallback to original
				return arguments, nil
			}
			return string(sanitized), nil
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Failed to create tools node")
		return fmt.Errorf("failed to create tools node: %w", err)
	}

	b.graph.AddToolsNode(nodes.NodeToolExecutor, toolsNode,
		compose.WithStatePreHandler(nodes.NewToolExecutorPreHandler()),
	)

	return nil
}

// addNodes adds all processing nodes to the graph
func (b *GraphBuilder) addNodes() {
	b.graph.AddLambdaNode(nodes.NodeInitializer,
		nodes.NewInitializerNode(b.config.MessagesManager),
		compose.WithStatePreHandler(nodes.NewInitializerPreHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeGuardrail,
		nodes.NewGuardrailNode(b.config.ChatModels.Decision, b.config.MessagesManager),
		compose.WithStatePostHandler(nodes.NewGuardrailPostHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeBlockedReply,
		nodes.NewBlockedReplyNode(),
	)

	b.graph.AddLambdaNode(nodes.NodeRewrite,
		nodes.NewRewriteNode(b.config.ChatModels.Rewriter, b.config.MessagesManager),
		compose.WithStatePostHandler(nodes.NewRewritePostHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeClassify,
		nodes.NewClassifyNode(b.config.ChatModels.Decision),
		compose.WithStatePostHandler(nodes.NewClassifyPostHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeRetrieve,
		nodes.NewRetrieveNode(b.config.Index, b.config.Retrieval),
		compose.WithStatePostHandler(nodes.NewRetrievePostHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeRerank,
		nodes.NewRerankNode(b.config.Reranker, b.config.Retrieval.TopN),
	)

	b.graph.AddLambdaNode(nodes.NodeVerify,
		nodes.NewVerifyNode(b.config.ChatModels.Decision),
		compose.WithStatePostHandler(nodes.NewVerifyPostHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeContextAssembler,
		nodes.NewContextAssemblerNode(),
	)

	b.graph.AddChatModelNode(nodes.NodeGenerate,
		b.config.ChatModels.Generator,
		compose.WithStatePreHandler(nodes.NewGeneratePreHandler()),
		compose.WithStatePostHandler(nodes.NewGeneratePostHandler(b.config.ChatModels.GeneratorModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeToolCounter,
		nodes.NewToolCounterNode(b.config.MaxToolCalls),
	)

	b.graph.AddLambdaNode(nodes.NodeLimitReply,
		nodes.NewLimitReplyNode(),
	)

	b.graph.AddLambdaNode(nodes.NodeOptimize,
		nodes.NewOptimizeNode(b.config.ChatModels.Decision),
	)
}

// addEdges creates the main flow connections between nodes
func (b *GraphBuilder) addEdges() {
	edges := [][2]string{
		{compose.START, nodes.NodeInitializer},
		{nodes.NodeInitializer, nodes.NodeGuardrail},
		{nodes.NodeBlockedReply, compose.END},
		{nodes.NodeRewrite, nodes.NodeClassify},
		{nodes.NodeClassify, nodes.NodeRetrieve},
		{nodes.NodeRetrieve, nodes.NodeRerank},
		{nodes.NodeRerank, nodes.NodeVerify},
		{nodes.NodeContextAssembler, nodes.NodeGenerate},
		{nodes.NodeToolExecutor, nodes.NodeToolCounter},
		{nodes.NodeToolCounter, nodes.NodeGenerate},
		{nodes.NodeLimitReply, compose.END},
		{nodes.NodeOptimize, compose.END},
	}

	for _, edge := range edges {
		b.graph.AddEdge(edge[0], edge[1])
	}
}

// addBranches creates conditional routing branches
func (b *GraphBuilder) addBranches() error {
	guardrailBranch := compose.NewGraphBranch(
		nodes.NewGuardrailCondition(),
		map[string]bool{
			nodes.NodeBlockedReply: true,
			nodes.NodeRewrite:      true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeGuardrail, guardrailBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding guardrail branch")
		return fmt.Errorf("error adding guardrail branch: %w", err)
	}

	verifyBranch := compose.NewGraphBranch(
		nodes.NewVerifyCondition(b.config.MaxRewrites),
		map[string]bool{
			nodes.NodeRewrite:          true,
			nodes.NodeContextAssembler: true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeVerify, verifyBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding verify branch")
		return fmt.Errorf("error adding verify branch: %w", err)
	}

	generateBranch := compose.NewGraphBranch(
		nodes.NewGenerateCondition(b.config.MaxToolCalls),
		map[string]bool{
			nodes.NodeToolExecutor: true,
			nodes.NodeLimitReply:   true,
			nodes.NodeOptimize:     true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeGenerate, generateBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding generate branch")
		return fmt.Errorf("error adding generate branch: %w", err)
	}

	return nil
}

// compile finalizes and compiles the graph
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[model.QueryInput, *model.TurnResult], error) {
	// Limit total run steps to cover the worst case of both loops filling
	// their budgets, plus slack for the linear nodes.
	maxSteps := 12 + b.config.MaxRewrites*6 + b.config.MaxToolCalls*3
	if maxSteps < 30 {
		maxSteps = 30
	}

	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(maxSteps))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}
