package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/veltis/entitled/internal/catalog"
	purchasedomain "github.com/veltis/entitled/internal/purchase/domain"
)

type createPurchaseURLRequest struct {
	CustomerType string `json:"customer_type"`
	CustomerID   string `json:"customer_id"`
	ProductID    string `json:"product_id"`
	// Product is an inline product definition; Offer is its pre-rename alias
	// still sent by older callers.
	Product *catalog.Product `json:"product"`
	Offer   *catalog.Product `json:"offer"`
}

func (s *Server) createPurchaseURL(c *gin.Context) {
	var req createPurchaseURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	customerType, err := catalog.ParseCustomerType(req.CustomerType)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	access := s.accessType(c)
	if err := s.ensureClientCanAccessCustomer(c, access, customerType, req.CustomerID); err != nil {
		AbortWithError(c, err)
		return
	}

	inline := req.Product
	if inline == nil {
		inline = req.Offer
	}
	result, err := s.purchaseSvc.CreateURL(c.Request.Context(), purchasedomain.CreateURLRequest{
		Access:       access,
		CustomerType: customerType,
		CustomerID:   req.CustomerID,
		ProductID:    req.ProductID,
		Product:      inline,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type validateCodeRequest struct {
	Code string `json:"code"`
}

func (s *Server) validatePurchaseCode(c *gin.Context) {
	var req validateCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.purchaseSvc.ValidateCode(c.Request.Context(), req.Code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// The offer fields mirror the product fields under their pre-rename
	// names; remove once no caller reads them.
	c.JSON(http.StatusOK, gin.H{
		"product_id":               result.ProductID,
		"product":                  result.Product,
		"customer_type":            result.CustomerType,
		"customer_id":              result.CustomerID,
		"conflicting_products":     result.ConflictingProducts,
		"offer":                    result.Product,
		"conflicting_group_offers": result.ConflictingProducts,
	})
}
