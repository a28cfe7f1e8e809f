package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hr-leavebot/server/internal/agent/graph"
	"github.com/hr-leavebot/server/internal/agent/model"
	logx "github.com/hr-leavebot/server/pkg/logger"
)

const appTitle = "HR 請假差勤問答服務"

// fallbackAnswer covers the rare traversal that finishes without producing any
// answer text.
const fallbackAnswer = "抱歉,我無法生成適當的回覆。請重新表述您的問題。"

// Config holds the HTTP listener settings.
type Config struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"SERVER_PORT" default:"8000"`
	Mode string `envconfig:"GIN_MODE" default:"release"`
}

// QueryRequest is one inbound question on a conversation thread.
type QueryRequest struct {
	Question string `json:"question"`
	ThreadID string `json:"thread_id"`
}

// QueryResponse reports the traversal outcome. A failed turn carries
// Success=false and the error text; the HTTP status stays 200 so clients
// distinguish transport problems from answering problems.
type QueryResponse struct {
	Success        bool   `json:"success"`
	OriginalQuery  string `json:"original_query"`
	RewrittenQuery string `json:"rewritten_query"`
	Answer         string `json:"answer"`
	Context        string `json:"context"`
	Error          string `json:"error"`
}

// Server is the HTTP façade over the answering graph.
type Server struct {
	runner graph.Runner
	engine *gin.Engine
}

func New(cfg Config, runner graph.Runner) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{
		runner: runner,
		engine: gin.Default(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.handleRoot)
	s.engine.GET("/health", s.handleHealth)
	s.engine.POST("/query", s.handleQuery)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run(cfg Config) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	logx.Info().Str("addr", addr).Msg("HTTP server listening")
	return s.engine.Run(addr)
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "running",
		"message": appTitle + " API",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "healthy",
		"system_initialized": s.runner != nil,
	})
}

func (s *Server) handleQuery(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "系統未初始化"})
		return
	}

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "問題不能為空"})
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		req.ThreadID = "default_thread"
	}

	result, err := s.runner.Invoke(c.Request.Context(), model.QueryInput{
		ConversationID: req.ThreadID,
		Query:          req.Question,
	})
	if err != nil {
		logx.Error().
			Str("thread_id", req.ThreadID).
			Err(err).
			Msg("Error processing query")
		c.JSON(http.StatusOK, QueryResponse{
			Success: false,
			Error:   err.Error(),
		})
		return
	}

	answer := result.Answer
	if strings.TrimSpace(answer) == "" {
		answer = fallbackAnswer
	}

	c.JSON(http.StatusOK, QueryResponse{
		Success:        true,
		OriginalQuery:  result.OriginalQuery,
		RewrittenQuery: result.RewrittenQuery,
		Answer:         answer,
		Context:        result.Context,
	})
}
