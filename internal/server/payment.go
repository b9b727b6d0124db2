package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	paymentdomain "github.com/carelinkhq/carelink/internal/payment/domain"
)

// maxWebhookBody bounds gateway callback payloads. Real deliveries are a
// few KB; anything larger is rejected before parsing.
const maxWebhookBody = 1 << 20

type createCheckoutRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) createCheckout(c *gin.Context) {
	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
		return
	}

	payment, err := s.paymentSvc.CreateCheckout(c.Request.Context(), paymentdomain.CreateCheckoutRequest{
		UserID:        currentUserID(c),
		TransactionID: strings.TrimSpace(c.Param("id")),
		Provider:      strings.TrimSpace(req.Provider),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

// ingestWebhook accepts gateway callbacks. Replayed deliveries resolve to
// 200 so the gateway stops retrying.
func (s *Server) ingestWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(payload) > maxWebhookBody {
		AbortWithError(c, paymentdomain.ErrInvalidPayload)
		return
	}

	err = s.webhookSvc.IngestWebhook(c.Request.Context(), c.Param("provider"), payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"received": true}})
}
