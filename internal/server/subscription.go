package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/veltis/entitled/internal/catalog"
	subscriptiondomain "github.com/veltis/entitled/internal/subscription/domain"
	"github.com/veltis/entitled/pkg/db/pagination"
)

func (s *Server) cancelSubscription(c *gin.Context) {
	customerType, customerID, err := s.parseCustomerPath(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	err = s.subscriptions.Cancel(c.Request.Context(), subscriptiondomain.CancelRequest{
		CustomerType: customerType,
		CustomerID:   customerID,
		ProductID:    c.Param("product_id"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": true})
}

type grantProductRequest struct {
	ProductID *string          `json:"product_id"`
	Product   *catalog.Product `json:"product"`
	Quantity  int64            `json:"quantity"`
}

func (s *Server) grantProduct(c *gin.Context) {
	customerType, customerID, err := s.parseCustomerPath(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req grantProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err = s.subscriptions.GrantProduct(c.Request.Context(), subscriptiondomain.GrantProductRequest{
		CustomerType: customerType,
		CustomerID:   customerID,
		ProductID:    req.ProductID,
		Product:      req.Product,
		Quantity:     req.Quantity,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"granted": true})
}

func (s *Server) listInvoices(c *gin.Context) {
	customerType, customerID, err := s.parseCustomerPath(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	invoices, info, err := s.subscriptions.ListInvoices(c.Request.Context(), customerType, customerID, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	type invoiceView struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		AmountTotal      int64  `json:"amount_total"`
		HostedInvoiceURL string `json:"hosted_invoice_url,omitempty"`
		CreatedAt        string `json:"created_at"`
	}
	views := make([]invoiceView, 0, len(invoices))
	for _, invoice := range invoices {
		views = append(views, invoiceView{
			ID:               invoice.ID.String(),
			Status:           invoice.Status,
			AmountTotal:      invoice.AmountTotal,
			HostedInvoiceURL: invoice.HostedInvoiceURL,
			CreatedAt:        invoice.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"invoices":  views,
		"page_info": info,
	})
}
