// Package domain contains persistence models for subscriptions, invoices and
// one-time purchases.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// CreationSource records which path wrote the row. Admin-granted rows are
// treated as test mode when transactions are reconstructed.
type CreationSource string

const (
	CreationSourcePurchase CreationSource = "PURCHASE"
	CreationSourceAdmin    CreationSource = "ADMIN"
)

// Subscription statuses mirror the processor vocabulary; ledger-only rows use
// the same set.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusCanceled = "canceled"
	StatusPastDue  = "past_due"
)

// IsLiveStatus reports whether a status still confers product ownership.
func IsLiveStatus(status string) bool {
	return status == StatusActive || status == StatusTrialing
}

// Subscription is one owned recurring product. Product holds a point-in-time
// snapshot of the catalog product so later catalog edits never rewrite
// history. StripeSubscriptionID is nil for ledger-only rows created by admin
// grants.
type Subscription struct {
	ID                   snowflake.ID   `gorm:"primaryKey"`
	TenancyID            string         `gorm:"type:text;not null;index:ix_subscriptions_customer,priority:1"`
	CustomerType         string         `gorm:"type:text;not null;index:ix_subscriptions_customer,priority:2"`
	CustomerID           string         `gorm:"type:text;not null;index:ix_subscriptions_customer,priority:3"`
	ProductID            *string        `gorm:"type:text"`
	PriceID              *string        `gorm:"type:text"`
	Product              datatypes.JSON `gorm:"not null"`
	Quantity             int64          `gorm:"not null;default:1"`
	StripeSubscriptionID *string        `gorm:"type:text;uniqueIndex:ux_subscriptions_stripe_id"`
	Status               string         `gorm:"type:text;not null"`
	CurrentPeriodStart   time.Time      `gorm:"not null"`
	CurrentPeriodEnd     time.Time      `gorm:"not null"`
	CancelAtPeriodEnd    bool           `gorm:"not null;default:false"`
	CanceledAt           *time.Time     `gorm:""`
	EndedAt              *time.Time     `gorm:""`
	CreationSource       CreationSource `gorm:"type:text;not null"`
	CreatedAt            time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionInvoice is a local copy of a processor invoice, kept for
// transaction reconstruction. Creation invoices are folded into the
// subscription-start transaction; later ones become renewals.
type SubscriptionInvoice struct {
	ID                            snowflake.ID `gorm:"primaryKey"`
	TenancyID                     string       `gorm:"type:text;not null;index:ix_invoices_customer,priority:1"`
	CustomerType                  string       `gorm:"type:text;not null;index:ix_invoices_customer,priority:2"`
	CustomerID                    string       `gorm:"type:text;not null;index:ix_invoices_customer,priority:3"`
	StripeInvoiceID               string       `gorm:"type:text;not null;uniqueIndex:ux_invoices_stripe_id"`
	StripeSubscriptionID          string       `gorm:"type:text;not null"`
	IsSubscriptionCreationInvoice bool         `gorm:"not null;default:false"`
	Status                        string       `gorm:"type:text;not null"`
	AmountTotal                   int64        `gorm:"not null"`
	HostedInvoiceURL              string       `gorm:"type:text;not null;default:''"`
	CreatedAt                     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionInvoice) TableName() string { return "subscription_invoices" }

// OneTimePurchase is one completed non-recurring purchase.
// StripePaymentIntentID is nil for admin-granted rows.
type OneTimePurchase struct {
	ID                    snowflake.ID   `gorm:"primaryKey"`
	TenancyID             string         `gorm:"type:text;not null;index:ix_one_time_customer,priority:1"`
	CustomerType          string         `gorm:"type:text;not null;index:ix_one_time_customer,priority:2"`
	CustomerID            string         `gorm:"type:text;not null;index:ix_one_time_customer,priority:3"`
	ProductID             *string        `gorm:"type:text"`
	PriceID               *string        `gorm:"type:text"`
	Product               datatypes.JSON `gorm:"not null"`
	Quantity              int64          `gorm:"not null;default:1"`
	StripePaymentIntentID *string        `gorm:"type:text;uniqueIndex:ux_one_time_payment_intent"`
	CreationSource        CreationSource `gorm:"type:text;not null"`
	CreatedAt             time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OneTimePurchase) TableName() string { return "one_time_purchases" }
