package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/veltis/entitled/internal/catalog"
	customerdomain "github.com/veltis/entitled/internal/customer/domain"
	ledgerdomain "github.com/veltis/entitled/internal/ledger/domain"
	purchasedomain "github.com/veltis/entitled/internal/purchase/domain"
	subscriptiondomain "github.com/veltis/entitled/internal/subscription/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrMissingTenancy = errors.New("missing_tenancy")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var productErr *catalog.ProductDoesNotExistError
	var itemErr *catalog.ItemDoesNotExistError
	var typeErr *catalog.CustomerTypeMismatchError
	var insufficientErr *ledgerdomain.InsufficientAmountError

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, customerdomain.ErrNotFound),
		errors.Is(err, catalog.ErrTenancyNotConfigured),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.As(err, &productErr),
		errors.As(err, &itemErr),
		errors.As(err, &typeErr),
		errors.As(err, &insufficientErr):
		return http.StatusBadRequest, errorPayload{
			Type:    "policy_violation",
			Message: err.Error(),
		}
	case errors.Is(err, ErrMissingTenancy),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, catalog.ErrInvalidCustomerType),
		errors.Is(err, catalog.ErrNoProductSpecified),
		errors.Is(err, catalog.ErrInlineServerOnly),
		errors.Is(err, customerdomain.ErrInvalidCustomerID),
		errors.Is(err, ledgerdomain.ErrInvalidItem),
		errors.Is(err, ledgerdomain.ErrInvalidQuantity):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    err.Error(),
			Message: "invalid request",
		}
	case errors.Is(err, subscriptiondomain.ErrProductNotOwned),
		errors.Is(err, subscriptiondomain.ErrProductNotCancelable),
		errors.Is(err, subscriptiondomain.ErrSubscriptionStateInvalid),
		errors.Is(err, purchasedomain.ErrCodeInvalid),
		errors.Is(err, purchasedomain.ErrCodeExpired),
		errors.Is(err, purchasedomain.ErrCodeAlreadyUsed):
		return http.StatusBadRequest, errorPayload{
			Type:    "policy_violation",
			Code:    err.Error(),
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
