package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/spendguard/spendguard/internal/logging"
	"github.com/spendguard/spendguard/internal/service/breaker"
	"github.com/spendguard/spendguard/internal/service/governor"
	"github.com/spendguard/spendguard/internal/service/usage"
	"github.com/spendguard/spendguard/pkg/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// HookStartRequest registers the start of a provider call
type HookStartRequest struct {
	RequestID string          `json:"request_id" binding:"required,max=256"`
	Provider  string          `json:"provider" binding:"required,max=64"`
	Model     string          `json:"model" binding:"max=128"`
	AgentID   string          `json:"agent_id" binding:"max=128"`
	SessionID string          `json:"session_id" binding:"max=128"`
	TaskType  string          `json:"task_type" binding:"max=64"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// HookEndRequest reports the completion of a provider call. Either the raw
// provider response or explicit token counts may be given.
type HookEndRequest struct {
	RequestID string              `json:"request_id" binding:"required,max=256"`
	Response  json.RawMessage     `json:"response,omitempty"`
	Usage     *models.TokenCounts `json:"usage,omitempty"`
}

// HookEndResponse tells the host whether a usage record was written
type HookEndResponse struct {
	Success  bool                `json:"success"`
	Recorded bool                `json:"recorded"`
	Record   *models.UsageRecord `json:"record,omitempty"`
}

// UpdateBudgetRequest replaces the budget configuration
type UpdateBudgetRequest struct {
	DailyLimit        float64 `json:"daily_limit" binding:"gte=0"`
	WeeklyLimit       float64 `json:"weekly_limit" binding:"gte=0"`
	MonthlyLimit      float64 `json:"monthly_limit" binding:"gte=0"`
	AlertThresholdPct float64 `json:"alert_threshold_pct" binding:"gte=0,lt=100"`
	BreakerEnabled    *bool   `json:"breaker_enabled" binding:"required"`
}

// TripRequest trips the breaker by hand
type TripRequest struct {
	Reason string `json:"reason" binding:"max=256"`
}

// BreakerResponse is the breaker state with its recent history
type BreakerResponse struct {
	State  models.BreakerState    `json:"state"`
	Last   *models.BreakerEvent   `json:"last_event,omitempty"`
	Events []*models.BreakerEvent `json:"events"`
}

// ListUsageQuery defines query parameters for listing usage records
type ListUsageQuery struct {
	AgentID  string `form:"agent_id"`
	Provider string `form:"provider"`
	Window   string `form:"window"`
	Wallet   string `form:"wallet"`
	Limit    int    `form:"limit"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if _, err := s.budgets.Get(c.Request.Context()); err != nil {
		response.Services["database"] = "error"
	} else {
		response.Services["database"] = "ok"
	}

	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now(),
	}

	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleHookStart(c *gin.Context) {
	var req HookStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, sanitizeValidationError(err))
		return
	}

	ctx := logging.WithAgentID(c.Request.Context(), req.AgentID)
	s.governor.OnProviderCallStart(ctx, usage.StartRequest{
		RequestID: req.RequestID,
		Provider:  req.Provider,
		Model:     req.Model,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		TaskType:  req.TaskType,
		Metadata:  req.Metadata,
	})

	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (s *Server) handleHookEnd(c *gin.Context) {
	var req HookEndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, sanitizeValidationError(err))
		return
	}

	var response any = req.Response
	if req.Usage != nil {
		response = *req.Usage
	}

	rec := s.governor.OnProviderCallEnd(c.Request.Context(), req.RequestID, response)
	c.JSON(http.StatusOK, HookEndResponse{Success: true, Recorded: rec != nil, Record: rec})
}

func (s *Server) handleAdmit(c *gin.Context) {
	admission := s.governor.Admit(c.Request.Context())
	status := http.StatusOK
	if !admission.Allowed {
		status = http.StatusTooManyRequests
	}
	c.JSON(status, admission)
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.governor.Status(c.Request.Context())
	if err != nil {
		s.internalError(c, "failed to get status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleListUsage(c *gin.Context) {
	var query ListUsageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		s.badRequest(c, err.Error())
		return
	}

	// without a window the list covers the free retention period only
	window := s.governor.FreeRetention()
	if query.Window != "" {
		var err error
		if window, err = governor.ParseWindow(query.Window); err != nil {
			s.badRequest(c, err.Error())
			return
		}
	}

	ctx := logging.WithWallet(c.Request.Context(), query.Wallet)
	if err := s.governor.CheckRetention(ctx, query.Wallet, window); err != nil {
		if errors.Is(err, governor.ErrLicenseRequired) {
			s.licenseRequired(c, err)
			return
		}
		s.internalError(c, "failed to check license", err)
		return
	}

	q := models.UsageQuery{
		AgentID:   query.AgentID,
		Provider:  query.Provider,
		StartTime: time.Now().Add(-window),
	}

	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	records, err := s.usage.List(ctx, q, limit)
	if err != nil {
		s.internalError(c, "failed to list usage", err)
		return
	}
	if records == nil {
		records = []*models.UsageRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) handleUsageSummary(c *gin.Context) {
	windowParam := c.DefaultQuery("window", "24h")
	window, err := governor.ParseWindow(windowParam)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}

	wallet := c.Query("wallet")
	ctx := logging.WithWallet(c.Request.Context(), wallet)

	summary, err := s.governor.UsageSummary(ctx, wallet, window)
	if err != nil {
		if errors.Is(err, governor.ErrLicenseRequired) {
			s.licenseRequired(c, err)
			return
		}
		s.internalError(c, "failed to get usage summary", err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleGetBreaker(c *gin.Context) {
	ctx := c.Request.Context()

	state, last, err := s.governor.Breaker().State(ctx)
	if err != nil {
		s.internalError(c, "failed to get breaker state", err)
		return
	}

	limit := 20
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= maxListLimit {
		limit = v
	}
	events, err := s.events.Recent(ctx, limit)
	if err != nil {
		s.internalError(c, "failed to list breaker events", err)
		return
	}
	if events == nil {
		events = []*models.BreakerEvent{}
	}

	c.JSON(http.StatusOK, BreakerResponse{State: state, Last: last, Events: events})
}

func (s *Server) handleTripBreaker(c *gin.Context) {
	var req TripRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, sanitizeValidationError(err))
			return
		}
	}

	ctx := c.Request.Context()
	result, err := s.governor.Trip(ctx, req.Reason)
	if err != nil {
		s.internalError(c, "failed to trip breaker", err)
		return
	}
	logging.Audit(ctx, "breaker_trip", "reason", req.Reason, "success", result.Success)
	s.writeBreakerResult(c, result)
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	ctx := c.Request.Context()
	result, err := s.governor.Reset(ctx)
	if err != nil {
		s.internalError(c, "failed to reset breaker", err)
		return
	}
	logging.Audit(ctx, "breaker_reset", "reason", string(breaker.ResetManual), "success", result.Success)
	s.writeBreakerResult(c, result)
}

// writeBreakerResult answers 409 for a rejected transition. A transition
// whose side effect failed still changed state and answers 200 with
// success=false.
func (s *Server) writeBreakerResult(c *gin.Context, result *breaker.Result) {
	if result.Event == nil {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetBudget(c *gin.Context) {
	cfg, err := s.budgets.Get(c.Request.Context())
	if err != nil {
		s.internalError(c, "failed to get budget", err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) handleUpdateBudget(c *gin.Context) {
	var req UpdateBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, sanitizeValidationError(err))
		return
	}

	cfg := &models.BudgetConfig{
		DailyLimit:        req.DailyLimit,
		WeeklyLimit:       req.WeeklyLimit,
		MonthlyLimit:      req.MonthlyLimit,
		AlertThresholdPct: req.AlertThresholdPct,
		BreakerEnabled:    *req.BreakerEnabled,
	}

	ctx := c.Request.Context()
	if err := s.budgets.Update(ctx, cfg); err != nil {
		s.internalError(c, "failed to update budget", err)
		return
	}
	logging.Audit(ctx, "budget_update",
		"daily_limit", cfg.DailyLimit,
		"weekly_limit", cfg.WeeklyLimit,
		"monthly_limit", cfg.MonthlyLimit,
		"breaker_enabled", cfg.BreakerEnabled)

	c.JSON(http.StatusOK, cfg)
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     msg,
		RequestID: c.GetString("request_id"),
	})
}

func (s *Server) licenseRequired(c *gin.Context, err error) {
	c.JSON(http.StatusPaymentRequired, ErrorResponse{
		Error:     err.Error(),
		RequestID: c.GetString("request_id"),
	})
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.ErrorContext(c.Request.Context(), msg, "error", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:     msg + ": " + err.Error(),
		RequestID: c.GetString("request_id"),
	})
}

// sanitizeValidationError converts internal field names to JSON field names
// in validation error messages
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		jsonFieldName := toSnakeCase(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", jsonFieldName))
		case "min", "gte":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", jsonFieldName, fe.Param()))
		case "max", "lte":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", jsonFieldName, fe.Param()))
		case "lt":
			messages = append(messages, fmt.Sprintf("%s must be less than %s", jsonFieldName, fe.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", jsonFieldName, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", jsonFieldName, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

var snakeCaseRegex = regexp.MustCompile("([a-z0-9])([A-Z])")

// toSnakeCase converts a PascalCase field name to its snake_case JSON name
func toSnakeCase(s string) string {
	fieldMappings := map[string]string{
		"RequestID":         "request_id",
		"AgentID":           "agent_id",
		"SessionID":         "session_id",
		"SettlementRef":     "settlement_ref",
		"AlertThresholdPct": "alert_threshold_pct",
		"URL":               "url",
	}
	if mapped, ok := fieldMappings[s]; ok {
		return mapped
	}
	return strings.ToLower(snakeCaseRegex.ReplaceAllString(s, "${1}_${2}"))
}
