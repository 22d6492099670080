// Package domain contains the purchase-code model and the purchase flow
// service contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veltis/entitled/internal/catalog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PurchaseCode backs one signed purchase URL. The token itself only carries
// identifiers; the product snapshot lives here, keyed by the token id, so a
// code keeps meaning the product it was minted for.
type PurchaseCode struct {
	ID           snowflake.ID   `gorm:"primaryKey"`
	TenancyID    string         `gorm:"type:text;not null;uniqueIndex:ux_purchase_codes_code,priority:1"`
	CodeID       string         `gorm:"type:text;not null;uniqueIndex:ux_purchase_codes_code,priority:2"`
	CustomerType string         `gorm:"type:text;not null"`
	CustomerID   string         `gorm:"type:text;not null"`
	ProductID    *string        `gorm:"type:text"`
	Product      datatypes.JSON `gorm:"not null"`
	ExpiresAt    time.Time      `gorm:"not null"`
	UsedAt       *time.Time     `gorm:""`
	CreatedAt    time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PurchaseCode) TableName() string { return "purchase_codes" }

var (
	ErrCodeInvalid     = errors.New("purchase_code_invalid")
	ErrCodeExpired     = errors.New("purchase_code_expired")
	ErrCodeAlreadyUsed = errors.New("purchase_code_already_used")
)

type CreateURLRequest struct {
	Access       catalog.AccessType
	CustomerType catalog.CustomerType
	CustomerID   string
	ProductID    string
	Product      *catalog.Product
}

type CreateURLResult struct {
	URL string `json:"url"`
}

// ValidateCodeResult is what the purchase page needs to render: the product
// behind the code and any currently-owned products it would displace.
type ValidateCodeResult struct {
	ProductID           *string            `json:"product_id,omitempty"`
	Product             catalog.Product    `json:"product"`
	CustomerType        string             `json:"customer_type"`
	CustomerID          string             `json:"customer_id"`
	ConflictingProducts []ConflictingOwned `json:"conflicting_products"`
}

// ConflictingOwned is an owned product in the same product line that the
// coded product cannot stack with.
type ConflictingOwned struct {
	ProductID   *string `json:"product_id,omitempty"`
	DisplayName string  `json:"display_name"`
	Recurring   bool    `json:"recurring"`
}

type Service interface {
	// CreateURL mints a single-use signed purchase URL for one customer and
	// product, registering the customer with the processor on first use.
	CreateURL(ctx context.Context, req CreateURLRequest) (CreateURLResult, error)
	// ValidateCode verifies and consumes a purchase code, re-resolving the
	// product against the current catalog.
	ValidateCode(ctx context.Context, code string) (ValidateCodeResult, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, code *PurchaseCode) error
	Find(ctx context.Context, db *gorm.DB, tenancyID, codeID string) (*PurchaseCode, error)
	// MarkUsed stamps the code used; returns false when it already was.
	MarkUsed(ctx context.Context, db *gorm.DB, tenancyID, codeID string, usedAt time.Time) (bool, error)
}
