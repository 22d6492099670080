package repository

import (
	"context"
	"errors"

	"github.com/veltis/entitled/internal/customer/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO customers (
			id, tenancy_id, customer_type, customer_id, stripe_customer_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		customer.ID,
		customer.TenancyID,
		customer.CustomerType,
		customer.CustomerID,
		customer.StripeCustomerID,
		customer.CreatedAt,
	).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, tenancyID, customerType, customerID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM customers
		 WHERE tenancy_id = ? AND customer_type = ? AND customer_id = ?`,
		tenancyID,
		customerType,
		customerID,
	).First(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}
