package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/internal/clock"
	ledgerdomain "github.com/veltis/entitled/internal/ledger/domain"
	"github.com/veltis/entitled/internal/tenantctx"
	pkgdb "github.com/veltis/entitled/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// debitRetries bounds retry attempts on transient transaction conflicts.
const debitRetries = 3

var errMissingTenancy = errors.New("missing_tenancy")

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Catalog catalog.Provider
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	catalog catalog.Provider
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		catalog: p.Catalog,
	}
}

func (s *Service) Balance(ctx context.Context, customerType catalog.CustomerType, customerID, itemID string, asOf time.Time) (int64, error) {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return 0, errMissingTenancy
	}

	var sum int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(quantity), 0) FROM item_quantity_changes
		 WHERE tenancy_id = ? AND customer_type = ? AND customer_id = ? AND item_id = ?
		   AND (expires_at IS NULL OR expires_at > ?)`,
		tenancyID,
		customerType.Storage(),
		customerID,
		itemID,
		asOf.UTC(),
	).Scan(&sum).Error
	if err != nil {
		return 0, err
	}

	return sum + s.defaultQuantity(ctx, tenancyID, itemID), nil
}

func (s *Service) TryApplyChange(ctx context.Context, req ledgerdomain.ApplyChangeRequest) (bool, error) {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return false, errMissingTenancy
	}
	if req.ItemID == "" || req.CustomerID == "" {
		return false, ledgerdomain.ErrInvalidItem
	}

	sourceType := req.SourceType
	if sourceType == "" {
		sourceType = ledgerdomain.SourceTypeManual
	}
	var sourceID *string
	if req.SourceID != "" {
		sourceID = &req.SourceID
	}
	var description *string
	if req.Description != "" {
		description = &req.Description
	}
	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		utc := req.ExpiresAt.UTC()
		expiresAt = &utc
	}

	now := s.clock.Now()

	// Grants and zero-delta audit entries always succeed; zero rows are
	// valid description-only entries.
	if req.Quantity >= 0 {
		if sourceID != nil {
			// Source-tagged grants are keyed by (source, item). The row insert
			// and its grants are separate statements, so a crash between them
			// leaves a subscription or purchase without its items; redelivered
			// events re-issue the grants and the guard keeps exactly one row.
			err := s.db.WithContext(ctx).Exec(
				`INSERT INTO item_quantity_changes (
					id, tenancy_id, customer_type, customer_id, item_id, quantity,
					description, expires_at, source_type, source_id, created_at
				)
				SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
				WHERE NOT EXISTS (
					SELECT 1 FROM item_quantity_changes
					WHERE tenancy_id = ? AND source_type = ? AND source_id = ? AND item_id = ?
				)`,
				s.genID.Generate(),
				tenancyID,
				req.CustomerType.Storage(),
				req.CustomerID,
				req.ItemID,
				req.Quantity,
				description,
				expiresAt,
				sourceType,
				sourceID,
				now,
				tenancyID,
				sourceType,
				sourceID,
				req.ItemID,
			).Error
			if err != nil {
				return false, err
			}
			return true, nil
		}

		err := s.db.WithContext(ctx).Exec(
			`INSERT INTO item_quantity_changes (
				id, tenancy_id, customer_type, customer_id, item_id, quantity,
				description, expires_at, source_type, source_id, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.genID.Generate(),
			tenancyID,
			req.CustomerType.Storage(),
			req.CustomerID,
			req.ItemID,
			req.Quantity,
			description,
			expiresAt,
			sourceType,
			sourceID,
			now,
		).Error
		if err != nil {
			return false, err
		}
		return true, nil
	}

	// Debits must be atomic with the balance check. The guarded INSERT is a
	// single conditional statement: the row is only written when the current
	// non-expired balance (plus the catalog default grant) covers the debit.
	// Concurrent debits against the same customer+item serialize on the
	// database; conflicts are retried as transient.
	defaultQty := s.defaultQuantity(ctx, tenancyID, req.ItemID)

	var lastErr error
	for attempt := 0; attempt < debitRetries; attempt++ {
		applied := false
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.WithContext(ctx).Exec(
				`INSERT INTO item_quantity_changes (
					id, tenancy_id, customer_type, customer_id, item_id, quantity,
					description, expires_at, source_type, source_id, created_at
				)
				SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
				WHERE (
					SELECT COALESCE(SUM(quantity), 0) FROM item_quantity_changes
					WHERE tenancy_id = ? AND customer_type = ? AND customer_id = ? AND item_id = ?
					  AND (expires_at IS NULL OR expires_at > ?)
				) + ? + ? >= 0`,
				s.genID.Generate(),
				tenancyID,
				req.CustomerType.Storage(),
				req.CustomerID,
				req.ItemID,
				req.Quantity,
				description,
				expiresAt,
				sourceType,
				sourceID,
				now,
				tenancyID,
				req.CustomerType.Storage(),
				req.CustomerID,
				req.ItemID,
				now,
				defaultQty,
				req.Quantity,
			)
			if result.Error != nil {
				return result.Error
			}
			applied = result.RowsAffected > 0
			return nil
		})
		if err == nil {
			return applied, nil
		}
		if !pkgdb.IsSerializationErr(err) {
			return false, err
		}
		lastErr = err
	}
	return false, lastErr
}

func (s *Service) ApplyChange(ctx context.Context, req ledgerdomain.ApplyChangeRequest) error {
	applied, err := s.TryApplyChange(ctx, req)
	if err != nil {
		return err
	}
	if !applied {
		return &ledgerdomain.InsufficientAmountError{
			ItemID:     req.ItemID,
			CustomerID: req.CustomerID,
			Quantity:   req.Quantity,
		}
	}
	return nil
}

func (s *Service) ItemQuantity(ctx context.Context, customerType catalog.CustomerType, customerID, itemID string, clamp bool) (ledgerdomain.ItemQuantity, error) {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return ledgerdomain.ItemQuantity{}, errMissingTenancy
	}

	cfg, err := s.catalog.Catalog(ctx, tenancyID)
	if err != nil {
		return ledgerdomain.ItemQuantity{}, err
	}
	item, err := catalog.ResolveItem(cfg, itemID)
	if err != nil {
		return ledgerdomain.ItemQuantity{}, err
	}
	if err := catalog.EnsureItemCustomerType(item, itemID, customerType); err != nil {
		return ledgerdomain.ItemQuantity{}, err
	}

	balance, err := s.Balance(ctx, customerType, customerID, itemID, s.clock.Now())
	if err != nil {
		return ledgerdomain.ItemQuantity{}, err
	}
	if clamp && balance < 0 {
		balance = 0
	}

	return ledgerdomain.ItemQuantity{
		ID:          itemID,
		DisplayName: item.DisplayName,
		Quantity:    balance,
	}, nil
}

// defaultQuantity is the item's configured baseline grant. Items absent from
// the catalog (or tenancies without one) contribute nothing; change rows for
// ad-hoc item ids still count.
func (s *Service) defaultQuantity(ctx context.Context, tenancyID, itemID string) int64 {
	cfg, err := s.catalog.Catalog(ctx, tenancyID)
	if err != nil {
		return 0
	}
	item, ok := cfg.Items[itemID]
	if !ok || item.Default == nil {
		return 0
	}
	return item.Default.Quantity
}
