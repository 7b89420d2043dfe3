package mockprovider

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
)

// Server is a mock LLM provider speaking the OpenAI chat completions and
// Anthropic messages wire formats
type Server struct {
	state  *State
	router *gin.Engine
	logger *slog.Logger
}

// NewServer creates a new mock provider server
func NewServer(state *State) *Server {
	if state == nil {
		state = NewState()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the underlying state for test manipulation
func (s *Server) State() *State {
	return s.state
}

func (s *Server) setupRoutes() {
	s.router.POST("/v1/chat/completions", s.handleChatCompletion)
	s.router.POST("/v1/messages", s.handleMessages)

	// Health check
	s.router.GET("/health", s.handleHealth)

	// Test control endpoints
	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/config", s.handleTestConfig)
	s.router.GET("/_test/calls", s.handleTestCalls)
}

func (s *Server) handleChatCompletion(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, openAIError(err.Error(), "invalid_request_error"))
		return
	}

	call, err := s.state.RecordCall("openai", req.Model)
	if err != nil {
		s.logger.Error("simulated failure", "error", err, "model", req.Model)
		c.JSON(http.StatusInternalServerError, openAIError(err.Error(), "server_error"))
		return
	}

	resp := openai.ChatCompletionResponse{
		ID:      call.ID,
		Object:  "chat.completion",
		Created: call.At.Unix(),
		Model:   req.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: "mock completion",
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
	}
	if !s.state.OmitUsage() {
		resp.Usage = openai.Usage{
			PromptTokens:     call.PromptTokens,
			CompletionTokens: call.CompletionTokens,
			TotalTokens:      call.PromptTokens + call.CompletionTokens,
		}
	}

	c.JSON(http.StatusOK, resp)
}

func openAIError(msg, errType string) gin.H {
	return gin.H{"error": gin.H{"message": msg, "type": errType}}
}

// MessagesRequest is the subset of the Anthropic messages request the mock reads
type MessagesRequest struct {
	Model     string `json:"model" binding:"required"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// MessagesUsage matches the Anthropic usage block
type MessagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse matches the Anthropic messages response
type MessagesResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Model      string           `json:"model"`
	Content    []map[string]any `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      *MessagesUsage   `json:"usage,omitempty"`
}

func (s *Server) handleMessages(c *gin.Context) {
	var req MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"type": "error", "error": gin.H{"type": "invalid_request_error", "message": err.Error()}})
		return
	}

	call, err := s.state.RecordCall("anthropic", req.Model)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"type": "error", "error": gin.H{"type": "api_error", "message": err.Error()}})
		return
	}

	resp := MessagesResponse{
		ID:         call.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		Content:    []map[string]any{{"type": "text", "text": "mock completion"}},
		StopReason: "end_turn",
	}
	if !s.state.OmitUsage() {
		resp.Usage = &MessagesUsage{InputTokens: call.PromptTokens, OutputTokens: call.CompletionTokens}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"type":   "mock-llm-provider",
	})
}

// Test control handlers

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// TestConfig is the configuration for test behavior
type TestConfig struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	DelayMs          int    `json:"delay_ms"`
	FailCalls        bool   `json:"fail_calls"`
	FailMsg          string `json:"fail_msg"`
	OmitUsage        bool   `json:"omit_usage"`
}

func (s *Server) handleTestConfig(c *gin.Context) {
	var config TestConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if config.PromptTokens > 0 || config.CompletionTokens > 0 {
		s.state.SetTokens(config.PromptTokens, config.CompletionTokens)
	}
	if config.DelayMs > 0 {
		s.state.SetDelay(time.Duration(config.DelayMs) * time.Millisecond)
	}
	s.state.SetFailCalls(config.FailCalls, config.FailMsg)
	s.state.SetOmitUsage(config.OmitUsage)

	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

func (s *Server) handleTestCalls(c *gin.Context) {
	calls := s.state.Calls()
	c.JSON(http.StatusOK, gin.H{"calls": calls, "count": len(calls)})
}

// Run starts the server on the specified address
func (s *Server) Run(addr string) error {
	s.logger.Info("starting mock provider server", "addr", addr)
	return s.router.Run(addr)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
