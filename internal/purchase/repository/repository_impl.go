package repository

import (
	"context"
	"errors"
	"time"

	"github.com/veltis/entitled/internal/purchase/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, code *domain.PurchaseCode) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO purchase_codes (
			id, tenancy_id, code_id, customer_type, customer_id, product_id,
			product, expires_at, used_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.ID,
		code.TenancyID,
		code.CodeID,
		code.CustomerType,
		code.CustomerID,
		code.ProductID,
		code.Product,
		code.ExpiresAt,
		code.UsedAt,
		code.CreatedAt,
	).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, tenancyID, codeID string) (*domain.PurchaseCode, error) {
	var code domain.PurchaseCode
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM purchase_codes WHERE tenancy_id = ? AND code_id = ?`,
		tenancyID,
		codeID,
	).First(&code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &code, nil
}

func (r *repo) MarkUsed(ctx context.Context, db *gorm.DB, tenancyID, codeID string, usedAt time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE purchase_codes SET used_at = ?
		 WHERE tenancy_id = ? AND code_id = ? AND used_at IS NULL`,
		usedAt,
		tenancyID,
		codeID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
