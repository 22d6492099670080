package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/veltis/entitled/internal/catalog"
	ledgerdomain "github.com/veltis/entitled/internal/ledger/domain"
	subscriptiondomain "github.com/veltis/entitled/internal/subscription/domain"
	"github.com/veltis/entitled/internal/tenantctx"
	"github.com/veltis/entitled/internal/transaction/domain"
	"github.com/veltis/entitled/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingTenancy = errors.New("missing_tenancy")

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewService(p Params) domain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("transaction.service"),
	}
}

func (s *Service) List(ctx context.Context, filter domain.Filter, page pagination.Pagination) ([]domain.Transaction, pagination.PageInfo, error) {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return nil, pagination.PageInfo{}, errMissingTenancy
	}

	limit := page.PageSize
	if limit <= 0 {
		limit = 20
	}
	if limit > 250 {
		limit = 250
	}

	var cursor *pagination.Cursor
	if page.PageToken != "" {
		decoded, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		cursor = decoded
	}

	wanted := typeSet(filter.Types)
	fetch := limit + 1

	var all []domain.Transaction
	for _, synthesize := range []func(context.Context, string, domain.Filter, *pagination.Cursor, int) ([]domain.Transaction, error){
		s.manualChanges,
		s.subscriptionStarts,
		s.subscriptionCancels,
		s.renewals,
		s.oneTimePurchases,
	} {
		txs, err := synthesize(ctx, tenancyID, filter, cursor, fetch)
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		for _, tx := range txs {
			if _, ok := wanted[tx.Type]; !ok {
				continue
			}
			all = append(all, tx)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	info := pagination.PageInfo{}
	if len(all) > limit {
		all = all[:limit]
		last := all[len(all)-1]
		next, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        last.ID,
			CreatedAt: last.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		info.NextCursor = next
		info.HasMore = true
	}
	if all == nil {
		all = []domain.Transaction{}
	}
	return all, info, nil
}

func typeSet(types []domain.Type) map[domain.Type]struct{} {
	if len(types) == 0 {
		types = domain.AllTypes
	}
	set := make(map[domain.Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return set
}

// withCursorKeyset appends the strict (created_at, id) keyset predicate of one
// synthesizer. Each synthesizer must apply it in SQL: the LIMIT window of an
// inclusive predicate can be exhausted by rows that tie on the cursor
// timestamp, silently hiding everything older.
//
// Transaction ids are "<prefix>_<row id>", so ties are decided by the numeric
// row id when the cursor points into the same table. For a cursor from another
// table the string ordering of the ids is settled by the prefixes alone, and
// ties are either all in or all out.
func withCursorKeyset(query string, args []interface{}, column, prefix string, cursor *pagination.Cursor) (string, []interface{}) {
	cursorTime, ok := cursor.CreatedAtTime()
	if !ok {
		return query, args
	}

	marker := prefix + "_"
	if strings.HasPrefix(cursor.ID, marker) {
		rowID, err := strconv.ParseInt(strings.TrimPrefix(cursor.ID, marker), 10, 64)
		if err == nil {
			query += ` AND (` + column + ` < ? OR (` + column + ` = ? AND id < ?))`
			return query, append(args, cursorTime, cursorTime, rowID)
		}
	} else if marker < cursor.ID {
		query += ` AND ` + column + ` <= ?`
		return query, append(args, cursorTime)
	}

	query += ` AND ` + column + ` < ?`
	return query, append(args, cursorTime)
}

func (s *Service) manualChanges(ctx context.Context, tenancyID string, filter domain.Filter, cursor *pagination.Cursor, limit int) ([]domain.Transaction, error) {
	query := `SELECT * FROM item_quantity_changes WHERE tenancy_id = ? AND source_type = ?`
	args := []interface{}{tenancyID, ledgerdomain.SourceTypeManual}
	query, args = withCustomerFilter(query, args, filter)
	query, args = withCursorKeyset(query, args, "created_at", "iqc", cursor)
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []ledgerdomain.ItemQuantityChange
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	txs := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		quantity := row.Quantity
		var expiresAt *string
		if row.ExpiresAt != nil {
			formatted := row.ExpiresAt.UTC().Format(time.RFC3339Nano)
			expiresAt = &formatted
		}
		txs = append(txs, domain.Transaction{
			ID:         fmt.Sprintf("iqc_%d", row.ID),
			Type:       domain.TypeManualItemQuantityChange,
			TestMode:   false,
			AdjustedBy: []string{},
			Entries: []domain.Entry{{
				Type:         domain.EntryItemQuantityChange,
				CustomerType: strings.ToLower(row.CustomerType),
				CustomerID:   row.CustomerID,
				ItemID:       row.ItemID,
				Quantity:     &quantity,
				ExpiresAt:    expiresAt,
				Description:  row.Description,
			}},
			CreatedAt: row.CreatedAt,
		})
	}
	return txs, nil
}

func (s *Service) subscriptionStarts(ctx context.Context, tenancyID string, filter domain.Filter, cursor *pagination.Cursor, limit int) ([]domain.Transaction, error) {
	query := `SELECT * FROM subscriptions WHERE tenancy_id = ?`
	args := []interface{}{tenancyID}
	query, args = withCustomerFilter(query, args, filter)
	query, args = withCursorKeyset(query, args, "created_at", "sub", cursor)
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []subscriptiondomain.Subscription
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	txs := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		product, err := decodeProduct(row.Product)
		if err != nil {
			return nil, err
		}
		customerType := strings.ToLower(row.CustomerType)

		entries := []domain.Entry{
			{
				Type:               domain.EntryProductGrant,
				CustomerType:       customerType,
				CustomerID:         row.CustomerID,
				ProductID:          row.ProductID,
				ProductDisplayName: product.DisplayName,
			},
			{
				Type:         domain.EntryActiveSubStart,
				CustomerType: customerType,
				CustomerID:   row.CustomerID,
				ProductID:    row.ProductID,
			},
		}
		entries = append(entries, itemEntries(product, row.Quantity, customerType, row.CustomerID, &row.CurrentPeriodEnd)...)

		adjustedBy := []string{}
		if row.CanceledAt != nil {
			adjustedBy = append(adjustedBy, fmt.Sprintf("subc_%d", row.ID))
		}
		txs = append(txs, domain.Transaction{
			ID:         fmt.Sprintf("sub_%d", row.ID),
			Type:       domain.TypeNewStripeSub,
			TestMode:   row.CreationSource == subscriptiondomain.CreationSourceAdmin,
			AdjustedBy: adjustedBy,
			Entries:    entries,
			CreatedAt:  row.CreatedAt,
		})
	}
	return txs, nil
}

func (s *Service) subscriptionCancels(ctx context.Context, tenancyID string, filter domain.Filter, cursor *pagination.Cursor, limit int) ([]domain.Transaction, error) {
	query := `SELECT * FROM subscriptions WHERE tenancy_id = ? AND canceled_at IS NOT NULL`
	args := []interface{}{tenancyID}
	query, args = withCustomerFilter(query, args, filter)
	query, args = withCursorKeyset(query, args, "canceled_at", "subc", cursor)
	query += ` ORDER BY canceled_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []subscriptiondomain.Subscription
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	txs := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		product, err := decodeProduct(row.Product)
		if err != nil {
			return nil, err
		}
		customerType := strings.ToLower(row.CustomerType)
		txs = append(txs, domain.Transaction{
			ID:         fmt.Sprintf("subc_%d", row.ID),
			Type:       domain.TypeStripeSubCancel,
			TestMode:   row.CreationSource == subscriptiondomain.CreationSourceAdmin,
			AdjustedBy: []string{},
			Entries: []domain.Entry{
				{
					Type:         domain.EntryActiveSubStop,
					CustomerType: customerType,
					CustomerID:   row.CustomerID,
					ProductID:    row.ProductID,
				},
				{
					Type:               domain.EntryProductRevocation,
					CustomerType:       customerType,
					CustomerID:         row.CustomerID,
					ProductID:          row.ProductID,
					ProductDisplayName: product.DisplayName,
				},
			},
			CreatedAt: *row.CanceledAt,
		})
	}
	return txs, nil
}

// renewals are paid invoices that did not create their subscription.
func (s *Service) renewals(ctx context.Context, tenancyID string, filter domain.Filter, cursor *pagination.Cursor, limit int) ([]domain.Transaction, error) {
	query := `SELECT * FROM subscription_invoices
		 WHERE tenancy_id = ? AND status = 'paid' AND is_subscription_creation_invoice = ?`
	args := []interface{}{tenancyID, false}
	query, args = withCustomerFilter(query, args, filter)
	query, args = withCursorKeyset(query, args, "created_at", "inv", cursor)
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []subscriptiondomain.SubscriptionInvoice
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	txs := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		amount := row.AmountTotal
		txs = append(txs, domain.Transaction{
			ID:         fmt.Sprintf("inv_%d", row.ID),
			Type:       domain.TypeStripeResub,
			TestMode:   false,
			AdjustedBy: []string{},
			Entries: []domain.Entry{{
				Type:         domain.EntryMoneyTransfer,
				CustomerType: strings.ToLower(row.CustomerType),
				CustomerID:   row.CustomerID,
				Amount:       &amount,
			}},
			CreatedAt: row.CreatedAt,
		})
	}
	return txs, nil
}

func (s *Service) oneTimePurchases(ctx context.Context, tenancyID string, filter domain.Filter, cursor *pagination.Cursor, limit int) ([]domain.Transaction, error) {
	query := `SELECT * FROM one_time_purchases WHERE tenancy_id = ?`
	args := []interface{}{tenancyID}
	query, args = withCustomerFilter(query, args, filter)
	query, args = withCursorKeyset(query, args, "created_at", "otp", cursor)
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []subscriptiondomain.OneTimePurchase
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}

	txs := make([]domain.Transaction, 0, len(rows))
	for _, row := range rows {
		product, err := decodeProduct(row.Product)
		if err != nil {
			return nil, err
		}
		customerType := strings.ToLower(row.CustomerType)
		testMode := row.CreationSource == subscriptiondomain.CreationSourceAdmin

		var entries []domain.Entry
		if amount, currency, ok := oneTimeAmount(product, row.Quantity); ok && !testMode {
			entries = append(entries, domain.Entry{
				Type:         domain.EntryMoneyTransfer,
				CustomerType: customerType,
				CustomerID:   row.CustomerID,
				Amount:       &amount,
				Currency:     currency,
			})
		}
		entries = append(entries, domain.Entry{
			Type:               domain.EntryProductGrant,
			CustomerType:       customerType,
			CustomerID:         row.CustomerID,
			ProductID:          row.ProductID,
			ProductDisplayName: product.DisplayName,
		})
		entries = append(entries, itemEntries(product, row.Quantity, customerType, row.CustomerID, nil)...)

		txs = append(txs, domain.Transaction{
			ID:         fmt.Sprintf("otp_%d", row.ID),
			Type:       domain.TypeStripeOneTime,
			TestMode:   testMode,
			AdjustedBy: []string{},
			Entries:    entries,
			CreatedAt:  row.CreatedAt,
		})
	}
	return txs, nil
}

func withCustomerFilter(query string, args []interface{}, filter domain.Filter) (string, []interface{}) {
	if filter.CustomerType != nil {
		query += ` AND customer_type = ?`
		args = append(args, filter.CustomerType.Storage())
	}
	if filter.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, filter.CustomerID)
	}
	return query, args
}

// itemEntries renders the included-item grants of a product, sorted by item
// id so output is stable.
func itemEntries(product catalog.Product, quantity int64, customerType, customerID string, periodEnd *time.Time) []domain.Entry {
	itemIDs := make([]string, 0, len(product.IncludedItems))
	for itemID := range product.IncludedItems {
		itemIDs = append(itemIDs, itemID)
	}
	sort.Strings(itemIDs)

	entries := make([]domain.Entry, 0, len(itemIDs))
	for _, itemID := range itemIDs {
		included := product.IncludedItems[itemID]
		granted := included.Quantity * quantity
		var expiresAt *string
		if included.Expires == catalog.ExpiryWhenPurchaseExpires && periodEnd != nil {
			formatted := periodEnd.UTC().Format(time.RFC3339Nano)
			expiresAt = &formatted
		}
		entries = append(entries, domain.Entry{
			Type:         domain.EntryItemQuantityChange,
			CustomerType: customerType,
			CustomerID:   customerID,
			ItemID:       itemID,
			Quantity:     &granted,
			ExpiresAt:    expiresAt,
		})
	}
	return entries
}

// oneTimeAmount reads the charge from the product's one-time price.
func oneTimeAmount(product catalog.Product, quantity int64) (int64, string, bool) {
	for _, price := range product.Prices {
		if price.Interval == "" {
			return price.UnitAmount * quantity, price.Currency, true
		}
	}
	return 0, "", false
}

func decodeProduct(snapshot []byte) (catalog.Product, error) {
	var product catalog.Product
	if err := json.Unmarshal(snapshot, &product); err != nil {
		return catalog.Product{}, fmt.Errorf("decode product snapshot: %w", err)
	}
	return product, nil
}
