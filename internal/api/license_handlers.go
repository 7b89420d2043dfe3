package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/spendguard/spendguard/internal/logging"
	"github.com/spendguard/spendguard/internal/service/license"
)

// CreatePaymentRequest asks for a payment descriptor for a pricing tier
type CreatePaymentRequest struct {
	Wallet string `json:"wallet" binding:"required"`
	Tier   string `json:"tier" binding:"required"`
}

func (s *Server) handleListTiers(c *gin.Context) {
	licenses := s.licenses(c)
	if licenses == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"tiers": licenses.Tiers()})
}

func (s *Server) handleCreatePaymentRequest(c *gin.Context) {
	licenses := s.licenses(c)
	if licenses == nil {
		return
	}

	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, sanitizeValidationError(err))
		return
	}

	ctx := logging.WithWallet(c.Request.Context(), req.Wallet)
	descriptor, err := licenses.CreateRequest(ctx, req.Wallet, req.Tier)
	if err != nil {
		s.licenseError(c, err)
		return
	}

	c.JSON(http.StatusCreated, descriptor)
}

func (s *Server) handleVerifyPayment(c *gin.Context) {
	licenses := s.licenses(c)
	if licenses == nil {
		return
	}

	var req license.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, sanitizeValidationError(err))
		return
	}

	ctx := logging.WithWallet(c.Request.Context(), req.Wallet)
	result, err := licenses.Verify(ctx, req)
	if err != nil {
		s.licenseError(c, err)
		return
	}
	logging.Audit(ctx, "payment_verified",
		"payment_request_id", result.RequestID,
		"transaction_id", result.TransactionID)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"result":  result,
	})
}

func (s *Server) handleGetLicense(c *gin.Context) {
	licenses := s.licenses(c)
	if licenses == nil {
		return
	}

	status, err := licenses.HasValidLicense(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		s.licenseError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// licenses returns the license manager or writes 503 when licensing is off
func (s *Server) licenses(c *gin.Context) *license.Manager {
	m := s.governor.Licenses()
	if m == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "licensing is not configured",
			RequestID: c.GetString("request_id"),
		})
	}
	return m
}

func (s *Server) licenseError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, license.ErrInvalidTier),
		errors.Is(err, license.ErrInvalidWallet),
		errors.Is(err, license.ErrMalformedRequest),
		errors.Is(err, license.ErrSettlementRejected):
		status = http.StatusBadRequest
	case errors.Is(err, license.ErrPaymentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, license.ErrAlreadyProcessed):
		status = http.StatusConflict
	case errors.Is(err, license.ErrWalletMismatch):
		status = http.StatusForbidden
	case errors.Is(err, license.ErrPaymentExpired):
		status = http.StatusGone
	}

	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request.Context(), "license operation failed", "error", err)
	}

	c.JSON(status, ErrorResponse{
		Error:     err.Error(),
		RequestID: c.GetString("request_id"),
	})
}
