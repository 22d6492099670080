// Package domain contains persistence models for the entitlement ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SourceType attributes a quantity change to what produced it. Manual rows
// are admin adjustments; purchase and subscription rows are written by the
// checkout and sync paths.
type SourceType string

const (
	SourceTypeManual       SourceType = "MANUAL"
	SourceTypePurchase     SourceType = "PURCHASE"
	SourceTypeSubscription SourceType = "SUBSCRIPTION"
)

// ItemQuantityChange is an append-only signed delta against an item balance.
// Rows are never updated; corrections are new rows.
type ItemQuantityChange struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	TenancyID    string       `gorm:"type:text;not null;index:ix_item_changes_customer,priority:1"`
	CustomerType string       `gorm:"type:text;not null;index:ix_item_changes_customer,priority:2"`
	CustomerID   string       `gorm:"type:text;not null;index:ix_item_changes_customer,priority:3"`
	ItemID       string       `gorm:"type:text;not null;index:ix_item_changes_customer,priority:4"`
	Quantity     int64        `gorm:"not null"`
	Description  *string      `gorm:"type:text"`
	ExpiresAt    *time.Time   `gorm:""`
	SourceType   SourceType   `gorm:"type:text;not null;default:'MANUAL'"`
	SourceID     *string      `gorm:"type:text"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ItemQuantityChange) TableName() string { return "item_quantity_changes" }
