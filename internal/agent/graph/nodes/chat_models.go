package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/hr-leavebot/server/internal/agent/model"
	logx "github.com/hr-leavebot/server/pkg/logger"
)

// ChatModelCaller is the surface the lambda nodes need from a chat model:
// a single blocking completion call.
type ChatModelCaller interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error)
}

// ToolBindableChatModel is a chat model that supports tool binding, satisfied
// by the Gemini models and by test fakes.
type ToolBindableChatModel interface {
	einomodel.BaseChatModel
	BindTools(tools []*schema.ToolInfo) error
}

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	Client    *genai.Client
	Rewriter  *model.RewriterModelConfig
	Decision  *model.DecisionModelConfig
	Generator *model.GeneratorModelConfig
}

// ChatModels holds the three models the pipeline calls: a free-text rewriter,
// a structured decision model (guardrail / classify / verify / optimize) and
// the tool-calling answer generator.
type ChatModels struct {
	Rewriter           einomodel.BaseChatModel
	Decision           einomodel.BaseChatModel
	Generator          ToolBindableChatModel
	GeneratorModelName string
}

// NewGenAIClient creates the shared Gemini API client.
func NewGenAIClient(ctx context.Context, apiKey, baseURL string) (*genai.Client, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		clientCfg.HTTPOptions.BaseURL = baseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}
	return client, nil
}

// NewChatModels creates the rewriter, decision and generator chat models.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	rewriter, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      config.Client,
		Model:       config.Rewriter.Model,
		Temperature: &config.Rewriter.Temperature,
		MaxTokens:   &config.Rewriter.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating rewriter model")
		return nil, fmt.Errorf("error creating rewriter model: %w", err)
	}

	decision, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      config.Client,
		Model:       config.Decision.Model,
		Temperature: &config.Decision.Temperature,
		MaxTokens:   &config.Decision.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating decision model")
		return nil, fmt.Errorf("error creating decision model: %w", err)
	}

	generator, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      config.Client,
		Model:       config.Generator.Model,
		Temperature: &config.Generator.Temperature,
		MaxTokens:   &config.Generator.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating generator model")
		return nil, fmt.Errorf("error creating generator model: %w", err)
	}

	return &ChatModels{
		Rewriter:           rewriter,
		Decision:           decision,
		Generator:          generator,
		GeneratorModelName: config.Generator.Model,
	}, nil
}

// BindToolsToGenerator binds the calculator tools to the generator model.
func (cm *ChatModels) BindToolsToGenerator(ctx context.Context, tools []*schema.ToolInfo) error {
	if err := cm.Generator.BindTools(tools); err != nil {
		logx.Error().Err(err).Msg("Failed to bind tools")
		return fmt.Errorf("failed to bind tools: %w", err)
	}

	logx.Debug().Msg("Successfully bound tools to generator model")
	return nil
}
