package domain

import (
	"context"
	"errors"

	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/internal/processor"
	"github.com/veltis/entitled/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrProductNotOwned      = errors.New("product_not_owned")
	ErrProductNotCancelable = errors.New("product_not_cancelable")
	// ErrSubscriptionStateInvalid means ownership is visible but the backing
	// subscription row is gone; the stores have diverged and the request
	// cannot be honored safely.
	ErrSubscriptionStateInvalid = errors.New("subscription_state_invalid")
)

type CancelRequest struct {
	CustomerType catalog.CustomerType
	CustomerID   string
	ProductID    string
}

// OwnedProduct is one product a customer currently holds, regardless of
// whether it came from a subscription or a one-time purchase.
type OwnedProduct struct {
	ProductID *string
	Product   catalog.Product
	Quantity  int64
	Recurring bool
}

// Conflicts reports whether acquiring the incoming product while holding the
// given one would violate the one-per-product-line rule. Stackable products
// never conflict, a product never conflicts with itself, and a product
// declared as an add-on to the held one is allowed alongside it.
func Conflicts(incoming catalog.Product, incomingID string, held OwnedProduct) bool {
	if incoming.ProductLineID == "" || incoming.Stackable {
		return false
	}
	if held.Product.ProductLineID != incoming.ProductLineID {
		return false
	}
	if held.Product.Stackable {
		return false
	}
	if held.ProductID != nil {
		if incomingID != "" && *held.ProductID == incomingID {
			return false
		}
		for _, addOnTarget := range incoming.IsAddOnTo {
			if addOnTarget == *held.ProductID {
				return false
			}
		}
	}
	return true
}

type UpsertSubscriptionRequest struct {
	CustomerType catalog.CustomerType
	CustomerID   string
	ProductID    *string
	PriceID      *string
	Product      catalog.Product
	Remote       processor.Subscription
}

type RecordOneTimePurchaseRequest struct {
	CustomerType          catalog.CustomerType
	CustomerID            string
	ProductID             *string
	PriceID               *string
	Product               catalog.Product
	Quantity              int64
	StripePaymentIntentID string
}

type GrantProductRequest struct {
	CustomerType catalog.CustomerType
	CustomerID   string
	ProductID    *string
	Product      *catalog.Product
	Quantity     int64
}

type Service interface {
	// Cancel ends ownership of a recurring product. Processor-backed
	// subscriptions are canceled at the processor only; local state converges
	// through the next sync. Ledger-only subscriptions are stamped directly.
	Cancel(ctx context.Context, req CancelRequest) error
	// OwnedProducts merges live subscriptions and one-time purchases into the
	// customer's current holdings.
	OwnedProducts(ctx context.Context, customerType catalog.CustomerType, customerID string) ([]OwnedProduct, error)
	ListInvoices(ctx context.Context, customerType catalog.CustomerType, customerID string, page pagination.Pagination) ([]SubscriptionInvoice, pagination.PageInfo, error)
	// UpsertFromProcessor reconciles one processor subscription into the local
	// row, keyed by its processor id. Item grants are written once, when the
	// row is first created in a live status.
	UpsertFromProcessor(ctx context.Context, req UpsertSubscriptionRequest) (Subscription, error)
	UpsertInvoice(ctx context.Context, customerType catalog.CustomerType, customerID string, remote processor.Invoice) (SubscriptionInvoice, error)
	// RecordOneTimePurchase writes the purchase row and its item grants,
	// idempotent on the payment intent id.
	RecordOneTimePurchase(ctx context.Context, req RecordOneTimePurchaseRequest) (OneTimePurchase, error)
	// GrantProduct hands a product to a customer without a checkout. Conflicting
	// products in the same product line are canceled first.
	GrantProduct(ctx context.Context, req GrantProductRequest) error
}

type Repository interface {
	InsertSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) error
	UpdateSubscription(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindSubscriptionByStripeID(ctx context.Context, db *gorm.DB, tenancyID, stripeSubscriptionID string) (*Subscription, error)
	ListLiveSubscriptions(ctx context.Context, db *gorm.DB, tenancyID, customerType, customerID string) ([]Subscription, error)
	InsertInvoice(ctx context.Context, db *gorm.DB, invoice *SubscriptionInvoice) error
	UpdateInvoice(ctx context.Context, db *gorm.DB, invoice *SubscriptionInvoice) error
	FindInvoiceByStripeID(ctx context.Context, db *gorm.DB, tenancyID, stripeInvoiceID string) (*SubscriptionInvoice, error)
	ListInvoices(ctx context.Context, db *gorm.DB, tenancyID, customerType, customerID string, cursor *pagination.Cursor, limit int) ([]SubscriptionInvoice, error)
	InsertOneTimePurchase(ctx context.Context, db *gorm.DB, purchase *OneTimePurchase) error
	FindOneTimePurchaseByPaymentIntent(ctx context.Context, db *gorm.DB, tenancyID, paymentIntentID string) (*OneTimePurchase, error)
	ListOneTimePurchases(ctx context.Context, db *gorm.DB, tenancyID, customerType, customerID string) ([]OneTimePurchase, error)
}
