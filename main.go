package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/hr-leavebot/server/internal/agent/graph"
	"github.com/hr-leavebot/server/internal/agent/model"
	"github.com/hr-leavebot/server/internal/agent/repo"
	"github.com/hr-leavebot/server/internal/core"
	"github.com/hr-leavebot/server/internal/server"
	logx "github.com/hr-leavebot/server/pkg/logger"
	pkgredis "github.com/hr-leavebot/server/pkg/redis"
)

// AppConfig defines all configurable parameters for the service, sourced from
// environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// Infrastructure
	Redis  pkgredis.Config
	Server server.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Pipeline configs
	Rewriter     model.RewriterModelConfig
	Decision     model.DecisionModelConfig
	Generator    model.GeneratorModelConfig
	Retrieval    model.RetrievalConfig
	Conversation model.ConversationConfig
}

func main() {
	ctx := context.Background()

	// Load .env file
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	// Load structured config from env
	var envCfg AppConfig
	if err := envconfig.Process("", &envCfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(envCfg.Environment)})

	rdb, err := envCfg.Redis.New()
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise Redis client")
	}
	defer rdb.Close()

	logx.Info().Msg("Connected to Redis successfully")

	ttl, err := time.ParseDuration(envCfg.Conversation.TTL)
	if err != nil {
		logx.Fatal().Str("ttl", envCfg.Conversation.TTL).Err(err).Msg("Invalid CONVERSATION_TTL")
	}

	runner, err := graph.BuildAnswerGraph(ctx, graph.Config{
		APIKey:           envCfg.APIKey,
		BaseURL:          envCfg.BaseURL,
		Rewriter:         envCfg.Rewriter,
		Decision:         envCfg.Decision,
		Generator:        envCfg.Generator,
		Retrieval:        envCfg.Retrieval,
		Conversation:     envCfg.Conversation,
		ConversationRepo: repo.NewRedisConversationRepository(rdb, ttl),
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to build answer graph")
	}

	srv := server.New(envCfg.Server, runner)
	if err := srv.Run(envCfg.Server); err != nil {
		logx.Fatal().Err(err).Msg("HTTP server stopped")
	}
}
