package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	subscriptiondomain "github.com/carelinkhq/carelink/internal/subscription/domain"
)

type planChangeRequest struct {
	PlanCode       string `json:"plan_code"`
	Provider       string `json:"payment_provider,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type prepareFunc func(ctx context.Context, req subscriptiondomain.PrepareChangeRequest) (subscriptiondomain.ChangeResult, error)

func (s *Server) prepareUpgrade(c *gin.Context) {
	s.prepareChange(c, s.subscriptionSvc.PrepareUpgrade)
}

func (s *Server) prepareDowngrade(c *gin.Context) {
	s.prepareChange(c, s.subscriptionSvc.PrepareDowngrade)
}

func (s *Server) prepareChange(c *gin.Context, prepare prepareFunc) {
	var req planChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}
	if strings.TrimSpace(req.PlanCode) == "" {
		AbortWithError(c, newValidationError("plan_code", "invalid_plan_code", "plan_code is required"))
		return
	}

	result, err := prepare(c.Request.Context(), subscriptiondomain.PrepareChangeRequest{
		UserID:         currentUserID(c),
		SubscriptionID: strings.TrimSpace(c.Param("id")),
		PlanCode:       strings.TrimSpace(req.PlanCode),
		Provider:       strings.TrimSpace(req.Provider),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) cancelSubscription(c *gin.Context) {
	err := s.subscriptionSvc.Cancel(c.Request.Context(), currentUserID(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": "canceled"}})
}

func (s *Server) getSubscription(c *gin.Context) {
	sub, err := s.subscriptionSvc.Get(c.Request.Context(), currentUserID(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": sub})
}

func (s *Server) listTransactions(c *gin.Context) {
	transactions, err := s.subscriptionSvc.ListTransactions(c.Request.Context(), currentUserID(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transactions})
}

func (s *Server) getTransaction(c *gin.Context) {
	transaction, err := s.subscriptionSvc.GetTransaction(c.Request.Context(), currentUserID(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": transaction})
}
