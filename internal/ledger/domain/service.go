package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veltis/entitled/internal/catalog"
)

var (
	ErrInvalidItem     = errors.New("invalid_item")
	ErrInvalidQuantity = errors.New("invalid_quantity")
)

// InsufficientAmountError is returned by ApplyChange when a debit would push
// the balance below zero. TryApplyChange reports the same condition as a
// normal false result instead.
type InsufficientAmountError struct {
	ItemID     string
	CustomerID string
	Quantity   int64
}

func (e *InsufficientAmountError) Error() string {
	return fmt.Sprintf("item %q has insufficient quantity for customer %q (requested change %d)", e.ItemID, e.CustomerID, e.Quantity)
}

type ApplyChangeRequest struct {
	CustomerType catalog.CustomerType
	CustomerID   string
	ItemID       string
	Quantity     int64
	ExpiresAt    *time.Time
	Description  string
	SourceType   SourceType
	SourceID     string
}

// ItemQuantity is the read view of one item balance.
type ItemQuantity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Quantity    int64  `json:"quantity"`
}

type Service interface {
	// Balance sums all non-expired quantity changes as of the given time,
	// plus the item's configured default grant. Always recomputed from the
	// append-only set; there is no cached balance to invalidate.
	Balance(ctx context.Context, customerType catalog.CustomerType, customerID, itemID string, asOf time.Time) (int64, error)
	// TryApplyChange inserts one change row. Debits that would drive the
	// balance negative are rejected atomically and reported as (false, nil):
	// insufficient balance is an expected outcome, not a system error.
	TryApplyChange(ctx context.Context, req ApplyChangeRequest) (bool, error)
	// ApplyChange is TryApplyChange for call sites that prefer a typed error.
	ApplyChange(ctx context.Context, req ApplyChangeRequest) error
	// ItemQuantity resolves the item against the catalog and returns its
	// current balance. Clamped views floor transient negatives to zero.
	ItemQuantity(ctx context.Context, customerType catalog.CustomerType, customerID, itemID string, clamp bool) (ItemQuantity, error)
}
