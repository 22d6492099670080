// Package domain contains persistence models for the customer registry.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veltis/entitled/internal/catalog"
	"gorm.io/gorm"
)

// Customer links a tenant-scoped logical customer to its processor customer
// record. Created lazily on first purchase, immutable afterwards.
type Customer struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	TenancyID        string       `gorm:"type:text;not null;uniqueIndex:ux_customers_identity,priority:1"`
	CustomerType     string       `gorm:"type:text;not null;uniqueIndex:ux_customers_identity,priority:2"`
	CustomerID       string       `gorm:"type:text;not null;uniqueIndex:ux_customers_identity,priority:3"`
	StripeCustomerID string       `gorm:"type:text;not null"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Customer) TableName() string { return "customers" }

var (
	ErrNotFound          = errors.New("customer_not_found")
	ErrInvalidCustomerID = errors.New("invalid_customer_id")
)

type EnsureRequest struct {
	AccountID    string
	CustomerType catalog.CustomerType
	CustomerID   string
}

type Service interface {
	// Ensure returns the registry entry for the customer, creating the
	// processor customer record on first use.
	Ensure(ctx context.Context, req EnsureRequest) (Customer, error)
	Get(ctx context.Context, customerType catalog.CustomerType, customerID string) (Customer, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, customer *Customer) error
	Find(ctx context.Context, db *gorm.DB, tenancyID, customerType, customerID string) (*Customer, error)
}
