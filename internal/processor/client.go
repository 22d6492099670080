// Package processor is the boundary to the external billing processor
// (Stripe). Local state is only ever derived by re-fetching through this
// client, never from webhook payload fields.
package processor

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound  = errors.New("processor_account_not_found")
	ErrCustomerNotFound = errors.New("processor_customer_not_found")
	ErrCustomerDeleted  = errors.New("processor_customer_deleted")
)

// Metadata keys this service writes to and reads from processor objects.
const (
	MetaTenancyID    = "tenancy_id"
	MetaCustomerID   = "customer_id"
	MetaCustomerType = "customer_type"
	MetaProductID    = "product_id"
	MetaProduct      = "product"
	MetaPriceID      = "price_id"
	MetaPurchaseKind = "purchase_kind"
	MetaQuantity     = "purchase_quantity"

	// MetaOffer is the pre-rename alias of MetaProduct still present on old
	// processor objects.
	MetaOffer = "offer"
)

type Customer struct {
	ID       string
	Deleted  bool
	Metadata map[string]string
}

type Subscription struct {
	ID                 string
	Status             string
	Quantity           int64
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	EndedAt            *time.Time
	Metadata           map[string]string
}

type Invoice struct {
	ID                string
	SubscriptionID    string
	Status            string
	AmountTotal       int64
	HostedInvoiceURL  string
	IsCreationInvoice bool
	CreatedAt         time.Time
}

// Client is the outbound interface to the processor. All calls are scoped to
// a connected account.
type Client interface {
	// AccountTenancyID maps a connected account to the tenancy it belongs to.
	AccountTenancyID(ctx context.Context, accountID string) (string, error)
	GetCustomer(ctx context.Context, accountID, customerID string) (Customer, error)
	// FindCustomer looks up a customer by the local customer identity stored
	// in its metadata. Returns nil when none exists.
	FindCustomer(ctx context.Context, accountID, customerID, customerType string) (*Customer, error)
	CreateCustomer(ctx context.Context, accountID string, metadata map[string]string) (Customer, error)
	ListSubscriptions(ctx context.Context, accountID, customerID string) ([]Subscription, error)
	ListInvoices(ctx context.Context, accountID, customerID string) ([]Invoice, error)
	CancelSubscription(ctx context.Context, accountID, subscriptionID string) error
}
