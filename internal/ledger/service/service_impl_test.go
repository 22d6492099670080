package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/internal/clock"
	ledgerdomain "github.com/veltis/entitled/internal/ledger/domain"
	"github.com/veltis/entitled/internal/tenantctx"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const testTenancy = "tenancy-1"

func setupLedger(t *testing.T, cat catalog.Provider) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE item_quantity_changes (
		id BIGINT PRIMARY KEY,
		tenancy_id TEXT NOT NULL,
		customer_type TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		quantity BIGINT NOT NULL,
		description TEXT,
		expires_at DATETIME,
		source_type TEXT NOT NULL DEFAULT 'MANUAL',
		source_id TEXT,
		created_at DATETIME NOT NULL
	)`).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	if cat == nil {
		cat = catalog.StaticProvider{testTenancy: {}}
	}
	svc := &Service{
		db:      db,
		log:     zaptest.NewLogger(t),
		genID:   node,
		clock:   fake,
		catalog: cat,
	}
	return svc, db, fake
}

func testCtx() context.Context {
	return tenantctx.WithTenancyID(context.Background(), testTenancy)
}

func TestBalanceSumsNonExpiredChanges(t *testing.T) {
	svc, _, fake := setupLedger(t, nil)
	ctx := testCtx()

	expiry := fake.Now().Add(time.Hour)
	_, err := svc.TryApplyChange(ctx, ledgerdomain.ApplyChangeRequest{
		CustomerType: catalog.CustomerTypeUser,
		CustomerID:   "u1",
		ItemID:       "credits",
		Quantity:     5,
		ExpiresAt:    &expiry,
	})
	require.NoError(t, err)
	_, err = svc.TryApplyChange(ctx, ledgerdomain.ApplyChangeRequest{
		CustomerType: catalog.CustomerTypeUser,
		CustomerID:   "u1",
		ItemID:       "credits",
		Quantity:     3,
	})
	require.NoError(t, err)

	balance, err := svc.Balance(ctx, catalog.CustomerTypeUser, "u1", "credits", fake.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance)

	fake.Advance(2 * time.Hour)
	balance, err = svc.Balance(ctx, catalog.CustomerTypeUser, "u1", "credits", fake.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestDebitRejectedWhenInsufficient(t *testing.T) {
	svc, db, _ := setupLedger(t, nil)
	ctx := testCtx()

	applied, err := svc.TryApplyChange(ctx, ledgerdomain.ApplyChangeRequest{
		CustomerType: catalog.CustomerTypeUser,
		CustomerID:   "u1",
		ItemID:       "credits",
		Quantity:     5,
	})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = svc.TryApplyChange(ctx, ledgerdomain.ApplyChangeRequest{
		CustomerType: catalog.CustomerTypeUser,
		CustomerID:   "u1",
		ItemID:       "credits",
		Quantity:     -3,
	})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = svc.TryApplyChange(ctx, ledgerdomain.ApplyChangeRequest{
		CustomerType: catalog.CustomerTypeUser,
		CustomerID:   "u1",
		ItemID:       "credits",
		Quantity:     -3,
	})
	require.NoError(t, err)
	assert.False(t, applied, "overdraft must be rejected")

	// The rejected debit must not leave a row behind.
	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM item_quantity_changes`).Scan(&count).Error)
	assert.Equal(t, int64(2), count)

	err = svc.ApplyChange(ctx, ledgerdomain.ApplyChangeRequest{
		CustomerType: catalog.CustomerTypeUser,
		CustomerID:   "u1",
		ItemID:       "credits",
		Quantity:     -3,
	})
	var insufficient *ledgerdomain.InsufficientAmountError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "credits", insufficient.ItemID)
	assert.Equal(t, int64(-3), insufficient.Quantity)
}

func TestZeroDeltaChangeInserts(t *testing.T) {
	svc, db, _ := setupLedger(t, nil)
	ctx := testCtx()

	applied, err := svc.TryApplyChange(ctx, ledgerdomain.ApplyChangeRequest{
		CustomerType: catalog.CustomerTypeUser,
		CustomerID:   "u1",
		ItemID:       "credits",
		Quantity:     0,
		Description:  "audit marker",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM item_quantity_changes WHERE quantity = 0`).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDefaultGrantContributesToBalance(t *testing.T) {
	cat := catalog.StaticProvider{testTenancy: {
		Items: map[string]catalog.Item{
			"credits": {
				DisplayName:  "Credits",
				CustomerType: catalog.CustomerTypeUser,
				Default:      &catalog.ItemDefault{Quantity: 10},
			},
		},
	}}
	svc, _, fake := setupLedger(t, cat)
	ctx := testCtx()

	balance, err := svc.Balance(ctx, catalog.CustomerTypeUser, "u1", "credits", fake.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	// The default grant is spendable without any change rows.
	applied, err := svc.TryApplyChange(ctx, ledgerdomain.ApplyChangeRequest{
		CustomerType: catalog.CustomerTypeUser,
		CustomerID:   "u1",
		ItemID:       "credits",
		Quantity:     -4,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	balance, err = svc.Balance(ctx, catalog.CustomerTypeUser, "u1", "credits", fake.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(6), balance)
}

func TestItemQuantityClampsExpiredOverdraft(t *testing.T) {
	cat := catalog.StaticProvider{testTenancy: {
		Items: map[string]catalog.Item{
			"credits": {DisplayName: "Credits", CustomerType: catalog.CustomerTypeUser},
		},
	}}
	svc, _, fake := setupLedger(t, cat)
	ctx := testCtx()

	expiry := fake.Now().Add(time.Hour)
	_, err := svc.TryApplyChange(ctx, ledgerdomain.ApplyChangeRequest{
		CustomerType: catalog.CustomerTypeUser,
		CustomerID:   "u1",
		ItemID:       "credits",
		Quantity:     5,
		ExpiresAt:    &expiry,
	})
	require.NoError(t, err)
	applied, err := svc.TryApplyChange(ctx, ledgerdomain.ApplyChangeRequest{
		CustomerType: catalog.CustomerTypeUser,
		CustomerID:   "u1",
		ItemID:       "credits",
		Quantity:     -3,
	})
	require.NoError(t, err)
	require.True(t, applied)

	// Once the grant lapses, only the debit remains.
	fake.Advance(2 * time.Hour)
	balance, err := svc.Balance(ctx, catalog.CustomerTypeUser, "u1", "credits", fake.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(-3), balance)

	view, err := svc.ItemQuantity(ctx, catalog.CustomerTypeUser, "u1", "credits", true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.Quantity)

	view, err = svc.ItemQuantity(ctx, catalog.CustomerTypeUser, "u1", "credits", false)
	require.NoError(t, err)
	assert.Equal(t, int64(-3), view.Quantity)
}

func TestItemQuantityValidatesCatalog(t *testing.T) {
	cat := catalog.StaticProvider{testTenancy: {
		Items: map[string]catalog.Item{
			"seats": {DisplayName: "Seats", CustomerType: catalog.CustomerTypeTeam},
		},
	}}
	svc, _, _ := setupLedger(t, cat)
	ctx := testCtx()

	_, err := svc.ItemQuantity(ctx, catalog.CustomerTypeUser, "u1", "unknown", true)
	var notFound *catalog.ItemDoesNotExistError
	assert.True(t, errors.As(err, &notFound))

	_, err = svc.ItemQuantity(ctx, catalog.CustomerTypeUser, "u1", "seats", true)
	var mismatch *catalog.CustomerTypeMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, catalog.CustomerTypeTeam, mismatch.Expected)
}

func TestBalancesAreTenancyScoped(t *testing.T) {
	svc, _, fake := setupLedger(t, nil)

	ctxA := tenantctx.WithTenancyID(context.Background(), testTenancy)
	_, err := svc.TryApplyChange(ctxA, ledgerdomain.ApplyChangeRequest{
		CustomerType: catalog.CustomerTypeUser,
		CustomerID:   "u1",
		ItemID:       "credits",
		Quantity:     7,
	})
	require.NoError(t, err)

	ctxB := tenantctx.WithTenancyID(context.Background(), "tenancy-2")
	balance, err := svc.Balance(ctxB, catalog.CustomerTypeUser, "u1", "credits", fake.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}
