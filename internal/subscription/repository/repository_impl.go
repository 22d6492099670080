package repository

import (
	"context"
	"errors"

	"github.com/veltis/entitled/internal/subscription/domain"
	"github.com/veltis/entitled/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, tenancy_id, customer_type, customer_id, product_id, price_id,
			product, quantity, stripe_subscription_id, status,
			current_period_start, current_period_end, cancel_at_period_end,
			canceled_at, ended_at, creation_source, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.TenancyID,
		sub.CustomerType,
		sub.CustomerID,
		sub.ProductID,
		sub.PriceID,
		sub.Product,
		sub.Quantity,
		sub.StripeSubscriptionID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.EndedAt,
		sub.CreationSource,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) UpdateSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			product_id = ?, price_id = ?, product = ?, quantity = ?, status = ?,
			current_period_start = ?, current_period_end = ?,
			cancel_at_period_end = ?, canceled_at = ?, ended_at = ?, updated_at = ?
		 WHERE id = ? AND tenancy_id = ?`,
		sub.ProductID,
		sub.PriceID,
		sub.Product,
		sub.Quantity,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CanceledAt,
		sub.EndedAt,
		sub.UpdatedAt,
		sub.ID,
		sub.TenancyID,
	).Error
}

func (r *repo) FindSubscriptionByStripeID(ctx context.Context, db *gorm.DB, tenancyID, stripeSubscriptionID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions
		 WHERE tenancy_id = ? AND stripe_subscription_id = ?`,
		tenancyID,
		stripeSubscriptionID,
	).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) ListLiveSubscriptions(ctx context.Context, db *gorm.DB, tenancyID, customerType, customerID string) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions
		 WHERE tenancy_id = ? AND customer_type = ? AND customer_id = ?
		   AND status IN ('active', 'trialing') AND ended_at IS NULL
		 ORDER BY created_at DESC, id DESC`,
		tenancyID,
		customerType,
		customerID,
	).Scan(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repo) InsertInvoice(ctx context.Context, db *gorm.DB, invoice *domain.SubscriptionInvoice) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_invoices (
			id, tenancy_id, customer_type, customer_id, stripe_invoice_id,
			stripe_subscription_id, is_subscription_creation_invoice, status,
			amount_total, hosted_invoice_url, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.TenancyID,
		invoice.CustomerType,
		invoice.CustomerID,
		invoice.StripeInvoiceID,
		invoice.StripeSubscriptionID,
		invoice.IsSubscriptionCreationInvoice,
		invoice.Status,
		invoice.AmountTotal,
		invoice.HostedInvoiceURL,
		invoice.CreatedAt,
	).Error
}

func (r *repo) UpdateInvoice(ctx context.Context, db *gorm.DB, invoice *domain.SubscriptionInvoice) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscription_invoices SET
			status = ?, amount_total = ?, hosted_invoice_url = ?
		 WHERE id = ? AND tenancy_id = ?`,
		invoice.Status,
		invoice.AmountTotal,
		invoice.HostedInvoiceURL,
		invoice.ID,
		invoice.TenancyID,
	).Error
}

func (r *repo) FindInvoiceByStripeID(ctx context.Context, db *gorm.DB, tenancyID, stripeInvoiceID string) (*domain.SubscriptionInvoice, error) {
	var invoice domain.SubscriptionInvoice
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscription_invoices
		 WHERE tenancy_id = ? AND stripe_invoice_id = ?`,
		tenancyID,
		stripeInvoiceID,
	).First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) ListInvoices(ctx context.Context, db *gorm.DB, tenancyID, customerType, customerID string, cursor *pagination.Cursor, limit int) ([]domain.SubscriptionInvoice, error) {
	query := `SELECT * FROM subscription_invoices
		 WHERE tenancy_id = ? AND customer_type = ? AND customer_id = ?`
	args := []interface{}{tenancyID, customerType, customerID}

	if createdAt, ok := cursor.CreatedAtTime(); ok {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, createdAt, createdAt, cursor.ID)
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var invoices []domain.SubscriptionInvoice
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) InsertOneTimePurchase(ctx context.Context, db *gorm.DB, purchase *domain.OneTimePurchase) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO one_time_purchases (
			id, tenancy_id, customer_type, customer_id, product_id, price_id,
			product, quantity, stripe_payment_intent_id, creation_source, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		purchase.ID,
		purchase.TenancyID,
		purchase.CustomerType,
		purchase.CustomerID,
		purchase.ProductID,
		purchase.PriceID,
		purchase.Product,
		purchase.Quantity,
		purchase.StripePaymentIntentID,
		purchase.CreationSource,
		purchase.CreatedAt,
	).Error
}

func (r *repo) FindOneTimePurchaseByPaymentIntent(ctx context.Context, db *gorm.DB, tenancyID, paymentIntentID string) (*domain.OneTimePurchase, error) {
	var purchase domain.OneTimePurchase
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM one_time_purchases
		 WHERE tenancy_id = ? AND stripe_payment_intent_id = ?`,
		tenancyID,
		paymentIntentID,
	).First(&purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &purchase, nil
}

func (r *repo) ListOneTimePurchases(ctx context.Context, db *gorm.DB, tenancyID, customerType, customerID string) ([]domain.OneTimePurchase, error) {
	var purchases []domain.OneTimePurchase
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM one_time_purchases
		 WHERE tenancy_id = ? AND customer_type = ? AND customer_id = ?
		 ORDER BY created_at DESC, id DESC`,
		tenancyID,
		customerType,
		customerID,
	).Scan(&purchases).Error
	if err != nil {
		return nil, err
	}
	return purchases, nil
}
