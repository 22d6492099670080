package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/veltis/entitled/internal/processor"
	"go.uber.org/zap"
)

// webhookBodyLimit caps the event payload read; processor events are a few KB.
const webhookBodyLimit = 1 << 16

// handleStripeWebhook verifies and ingests processor events. The response is
// 200 for every verified, parseable event, including ones whose processing
// failed internally: the processor's retry loop cannot fix a processing bug,
// and failures are captured for operators instead.
func (s *Server) handleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, webhookBodyLimit))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	err = processor.VerifySignature(
		payload,
		c.GetHeader("Stripe-Signature"),
		s.cfg.StripeWebhookSecret,
		processor.DefaultSignatureTolerance,
		s.clock.Now(),
	)
	if err != nil {
		s.log.Warn("webhook signature rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	// ProcessEvent captures and acknowledges processing failures internally;
	// an error here means the payload itself was unusable.
	if err := s.syncEngine.ProcessEvent(c.Request.Context(), payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
