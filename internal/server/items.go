package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/veltis/entitled/internal/ledger/domain"
)

// getItemQuantity returns the clamped balance view: transient negatives are
// floored to zero for display.
func (s *Server) getItemQuantity(c *gin.Context) {
	customerType, customerID, err := s.parseCustomerPath(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	item, err := s.ledgerSvc.ItemQuantity(c.Request.Context(), customerType, customerID, c.Param("item_id"), true)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type updateQuantityRequest struct {
	Delta       int64      `json:"delta"`
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// updateItemQuantity applies a manual adjustment. A debit past the current
// balance is rejected.
func (s *Server) updateItemQuantity(c *gin.Context) {
	customerType, customerID, err := s.parseCustomerPath(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req updateQuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	change := ledgerdomain.ApplyChangeRequest{
		CustomerType: customerType,
		CustomerID:   customerID,
		ItemID:       c.Param("item_id"),
		Quantity:     req.Delta,
		ExpiresAt:    req.ExpiresAt,
		Description:  req.Description,
		SourceType:   ledgerdomain.SourceTypeManual,
	}
	ctx := c.Request.Context()
	if err := s.ledgerSvc.ApplyChange(ctx, change); err != nil {
		AbortWithError(c, err)
		return
	}

	item, err := s.ledgerSvc.ItemQuantity(ctx, customerType, customerID, change.ItemID, false)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}
