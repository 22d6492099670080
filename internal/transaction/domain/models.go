// Package domain defines the read-only transaction vocabulary. Transactions
// are never stored; they are synthesized on demand from ledger changes,
// subscriptions, one-time purchases and invoices.
package domain

import (
	"context"
	"time"

	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/pkg/db/pagination"
)

type Type string

const (
	TypeManualItemQuantityChange Type = "manual-item-quantity-change"
	TypeNewStripeSub             Type = "new-stripe-sub"
	TypeStripeSubCancel          Type = "stripe-sub-cancel"
	TypeStripeResub              Type = "stripe-resub"
	TypeStripeOneTime            Type = "stripe-one-time"
)

// AllTypes is the synthesis order used when no type filter is given.
var AllTypes = []Type{
	TypeManualItemQuantityChange,
	TypeNewStripeSub,
	TypeStripeSubCancel,
	TypeStripeResub,
	TypeStripeOneTime,
}

type EntryType string

const (
	EntryItemQuantityChange EntryType = "item_quantity_change"
	EntryProductGrant       EntryType = "product_grant"
	EntryProductRevocation  EntryType = "product_revocation"
	EntryActiveSubStart     EntryType = "active_sub_start"
	EntryActiveSubStop      EntryType = "active_sub_stop"
	EntryMoneyTransfer      EntryType = "money_transfer"
)

// Entry is one effect inside a transaction. Customer types are rendered in
// wire (lowercase) form.
type Entry struct {
	Type               EntryType `json:"type"`
	CustomerType       string    `json:"customer_type"`
	CustomerID         string    `json:"customer_id"`
	ItemID             string    `json:"item_id,omitempty"`
	Quantity           *int64    `json:"quantity,omitempty"`
	ExpiresAt          *string   `json:"expires_at,omitempty"`
	Description        *string   `json:"description,omitempty"`
	ProductID          *string   `json:"product_id,omitempty"`
	ProductDisplayName string    `json:"product_display_name,omitempty"`
	Amount             *int64    `json:"amount,omitempty"`
	Currency           string    `json:"currency,omitempty"`
}

// Transaction is one reconstructed business event. AdjustedBy lists the ids
// of later transactions that partially or fully undid this one; it is always
// present, empty when nothing did.
type Transaction struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	TestMode   bool      `json:"test_mode"`
	AdjustedBy []string  `json:"adjusted_by"`
	Entries    []Entry   `json:"entries"`
	CreatedAt  time.Time `json:"created_at"`
}

// Filter narrows the listing. A nil Types filter means all types.
type Filter struct {
	CustomerType *catalog.CustomerType
	CustomerID   string
	Types        []Type
}

type Service interface {
	// List returns transactions in reverse chronological order, paginated by
	// a (created_at, id) keyset cursor.
	List(ctx context.Context, filter Filter, page pagination.Pagination) ([]Transaction, pagination.PageInfo, error)
}
