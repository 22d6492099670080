package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/veltis/entitled/internal/catalog"
	transactiondomain "github.com/veltis/entitled/internal/transaction/domain"
	"github.com/veltis/entitled/pkg/db/pagination"
)

// listTransactions is the operator view over everything the money and
// entitlement tables recorded, reconstructed as typed transactions.
func (s *Server) listTransactions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	filter := transactiondomain.Filter{
		CustomerID: c.Query("customer_id"),
	}
	if raw := c.Query("customer_type"); raw != "" {
		customerType, err := catalog.ParseCustomerType(raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		filter.CustomerType = &customerType
	}
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, transactiondomain.Type(strings.TrimSpace(t)))
		}
	}

	transactions, info, err := s.transactionSvc.List(c.Request.Context(), filter, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": transactions,
		"page_info":    info,
	})
}
