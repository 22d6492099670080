package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/internal/clock"
	ledgerdomain "github.com/veltis/entitled/internal/ledger/domain"
	"github.com/veltis/entitled/internal/processor"
	"github.com/veltis/entitled/internal/subscription/domain"
	"github.com/veltis/entitled/internal/tenantctx"
	pkgdb "github.com/veltis/entitled/pkg/db"
	"github.com/veltis/entitled/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingTenancy = errors.New("missing_tenancy")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Ledger    ledgerdomain.Service
	Catalog   catalog.Provider
	Processor processor.Client
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	ledger    ledgerdomain.Service
	catalog   catalog.Provider
	processor processor.Client
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("subscription.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		ledger:    p.Ledger,
		catalog:   p.Catalog,
		processor: p.Processor,
	}
}

func (s *Service) Cancel(ctx context.Context, req domain.CancelRequest) error {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return errMissingTenancy
	}
	cfg, err := s.catalog.Catalog(ctx, tenancyID)
	if err != nil {
		return err
	}

	if product, exists := cfg.Products[req.ProductID]; exists && !product.IsRecurring() {
		return domain.ErrProductNotCancelable
	}

	owned, err := s.OwnedProducts(ctx, req.CustomerType, req.CustomerID)
	if err != nil {
		return err
	}
	var held *domain.OwnedProduct
	for i := range owned {
		if owned[i].ProductID != nil && *owned[i].ProductID == req.ProductID {
			held = &owned[i]
			break
		}
	}
	if held == nil {
		return domain.ErrProductNotOwned
	}
	if !held.Recurring {
		return domain.ErrProductNotCancelable
	}

	subs, err := s.repo.ListLiveSubscriptions(ctx, s.db, tenancyID, req.CustomerType.Storage(), req.CustomerID)
	if err != nil {
		return err
	}
	var target *domain.Subscription
	for i := range subs {
		if subs[i].ProductID != nil && *subs[i].ProductID == req.ProductID {
			target = &subs[i]
			break
		}
	}
	if target == nil {
		// Ownership is derived from the same tables, so a missing row means
		// the stores diverged mid-request.
		s.log.Error("owned product has no live subscription row",
			zap.String("tenancy_id", tenancyID),
			zap.String("customer_id", req.CustomerID),
			zap.String("product_id", req.ProductID),
		)
		return domain.ErrSubscriptionStateInvalid
	}

	return s.cancelSubscription(ctx, cfg, target)
}

// cancelSubscription ends one subscription. Processor-backed rows are only
// canceled remotely; the webhook-driven sync rewrites local state afterwards.
func (s *Service) cancelSubscription(ctx context.Context, cfg *catalog.Config, sub *domain.Subscription) error {
	if sub.StripeSubscriptionID != nil {
		return s.processor.CancelSubscription(ctx, cfg.StripeAccountID, *sub.StripeSubscriptionID)
	}

	now := s.clock.Now()
	sub.Status = domain.StatusCanceled
	sub.CancelAtPeriodEnd = true
	sub.CanceledAt = &now
	sub.EndedAt = &now
	sub.UpdatedAt = now
	return s.repo.UpdateSubscription(ctx, s.db, sub)
}

func (s *Service) OwnedProducts(ctx context.Context, customerType catalog.CustomerType, customerID string) ([]domain.OwnedProduct, error) {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return nil, errMissingTenancy
	}

	subs, err := s.repo.ListLiveSubscriptions(ctx, s.db, tenancyID, customerType.Storage(), customerID)
	if err != nil {
		return nil, err
	}
	purchases, err := s.repo.ListOneTimePurchases(ctx, s.db, tenancyID, customerType.Storage(), customerID)
	if err != nil {
		return nil, err
	}

	owned := make([]domain.OwnedProduct, 0, len(subs)+len(purchases))
	for _, sub := range subs {
		product, err := decodeProduct(sub.Product)
		if err != nil {
			return nil, fmt.Errorf("subscription %d: %w", sub.ID, err)
		}
		owned = append(owned, domain.OwnedProduct{
			ProductID: sub.ProductID,
			Product:   product,
			Quantity:  sub.Quantity,
			Recurring: true,
		})
	}
	for _, purchase := range purchases {
		product, err := decodeProduct(purchase.Product)
		if err != nil {
			return nil, fmt.Errorf("one-time purchase %d: %w", purchase.ID, err)
		}
		owned = append(owned, domain.OwnedProduct{
			ProductID: purchase.ProductID,
			Product:   product,
			Quantity:  purchase.Quantity,
			Recurring: false,
		})
	}
	return owned, nil
}

func (s *Service) ListInvoices(ctx context.Context, customerType catalog.CustomerType, customerID string, page pagination.Pagination) ([]domain.SubscriptionInvoice, pagination.PageInfo, error) {
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

	invoices, err := s.repo.ListInvoices(ctx, s.db, tenancyID, customerType.Storage(), customerID, cursor, limit+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}

	info := pagination.PageInfo{}
	if len(invoices) > limit {
		invoices = invoices[:limit]
		last := invoices[len(invoices)-1]
		next, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        last.ID.String(),
			CreatedAt: last.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, pagination.PageInfo{}, err
		}
		info.NextCursor = next
		info.HasMore = true
	}
	return invoices, info, nil
}

func (s *Service) UpsertFromProcessor(ctx context.Context, req domain.UpsertSubscriptionRequest) (domain.Subscription, error) {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return domain.Subscription{}, errMissingTenancy
	}

	snapshot, err := json.Marshal(req.Product)
	if err != nil {
		return domain.Subscription{}, err
	}

	existing, err := s.repo.FindSubscriptionByStripeID(ctx, s.db, tenancyID, req.Remote.ID)
	if err != nil {
		return domain.Subscription{}, err
	}

	now := s.clock.Now()
	if existing != nil {
		existing.ProductID = req.ProductID
		existing.PriceID = req.PriceID
		existing.Product = snapshot
		existing.Quantity = req.Remote.Quantity
		existing.Status = req.Remote.Status
		existing.CurrentPeriodStart = req.Remote.CurrentPeriodStart
		existing.CurrentPeriodEnd = req.Remote.CurrentPeriodEnd
		existing.CancelAtPeriodEnd = req.Remote.CancelAtPeriodEnd
		existing.CanceledAt = req.Remote.CanceledAt
		existing.EndedAt = req.Remote.EndedAt
		existing.UpdatedAt = now
		if err := s.repo.UpdateSubscription(ctx, s.db, existing); err != nil {
			return domain.Subscription{}, err
		}
		// A failure between the first delivery's insert and its ledger writes
		// leaves the subscription without its items; redeliveries re-issue
		// the grants, which the ledger dedupes by (source, item).
		if domain.IsLiveStatus(existing.Status) {
			periodEnd := existing.CurrentPeriodEnd
			if err := s.grantItems(ctx, grantItemsRequest{
				customerType: req.CustomerType,
				customerID:   req.CustomerID,
				product:      req.Product,
				quantity:     existing.Quantity,
				sourceType:   ledgerdomain.SourceTypeSubscription,
				sourceID:     existing.ID.String(),
				periodEnd:    &periodEnd,
			}); err != nil {
				return domain.Subscription{}, err
			}
		}
		return *existing, nil
	}

	stripeID := req.Remote.ID
	sub := domain.Subscription{
		ID:                   s.genID.Generate(),
		TenancyID:            tenancyID,
		CustomerType:         req.CustomerType.Storage(),
		CustomerID:           req.CustomerID,
		ProductID:            req.ProductID,
		PriceID:              req.PriceID,
		Product:              snapshot,
		Quantity:             req.Remote.Quantity,
		StripeSubscriptionID: &stripeID,
		Status:               req.Remote.Status,
		CurrentPeriodStart:   req.Remote.CurrentPeriodStart,
		CurrentPeriodEnd:     req.Remote.CurrentPeriodEnd,
		CancelAtPeriodEnd:    req.Remote.CancelAtPeriodEnd,
		CanceledAt:           req.Remote.CanceledAt,
		EndedAt:              req.Remote.EndedAt,
		CreationSource:       domain.CreationSourcePurchase,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.InsertSubscription(ctx, s.db, &sub); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			// Two webhook deliveries raced; retry as an update against the
			// winning row.
			return s.UpsertFromProcessor(ctx, req)
		}
		return domain.Subscription{}, err
	}

	if domain.IsLiveStatus(sub.Status) {
		periodEnd := sub.CurrentPeriodEnd
		if err := s.grantItems(ctx, grantItemsRequest{
			customerType: req.CustomerType,
			customerID:   req.CustomerID,
			product:      req.Product,
			quantity:     sub.Quantity,
			sourceType:   ledgerdomain.SourceTypeSubscription,
			sourceID:     sub.ID.String(),
			periodEnd:    &periodEnd,
		}); err != nil {
			return domain.Subscription{}, err
		}
	}

	s.log.Info("subscription created from processor",
		zap.String("tenancy_id", tenancyID),
		zap.String("stripe_subscription_id", stripeID),
		zap.String("status", sub.Status),
	)
	return sub, nil
}

func (s *Service) UpsertInvoice(ctx context.Context, customerType catalog.CustomerType, customerID string, remote processor.Invoice) (domain.SubscriptionInvoice, error) {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return domain.SubscriptionInvoice{}, errMissingTenancy
	}

	existing, err := s.repo.FindInvoiceByStripeID(ctx, s.db, tenancyID, remote.ID)
	if err != nil {
		return domain.SubscriptionInvoice{}, err
	}
	if existing != nil {
		existing.Status = remote.Status
		existing.AmountTotal = remote.AmountTotal
		existing.HostedInvoiceURL = remote.HostedInvoiceURL
		if err := s.repo.UpdateInvoice(ctx, s.db, existing); err != nil {
			return domain.SubscriptionInvoice{}, err
		}
		return *existing, nil
	}

	invoice := domain.SubscriptionInvoice{
		ID:                            s.genID.Generate(),
		TenancyID:                     tenancyID,
		CustomerType:                  customerType.Storage(),
		CustomerID:                    customerID,
		StripeInvoiceID:               remote.ID,
		StripeSubscriptionID:          remote.SubscriptionID,
		IsSubscriptionCreationInvoice: remote.IsCreationInvoice,
		Status:                        remote.Status,
		AmountTotal:                   remote.AmountTotal,
		HostedInvoiceURL:              remote.HostedInvoiceURL,
		CreatedAt:                     remote.CreatedAt,
	}
	if err := s.repo.InsertInvoice(ctx, s.db, &invoice); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return s.UpsertInvoice(ctx, customerType, customerID, remote)
		}
		return domain.SubscriptionInvoice{}, err
	}
	return invoice, nil
}

func (s *Service) RecordOneTimePurchase(ctx context.Context, req domain.RecordOneTimePurchaseRequest) (domain.OneTimePurchase, error) {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return domain.OneTimePurchase{}, errMissingTenancy
	}

	existing, err := s.repo.FindOneTimePurchaseByPaymentIntent(ctx, s.db, tenancyID, req.StripePaymentIntentID)
	if err != nil {
		return domain.OneTimePurchase{}, err
	}
	if existing != nil {
		// Replayed webhook. Re-issue the grants in case the first delivery
		// failed after the insert; the ledger dedupes by (source, item).
		product, err := decodeProduct(existing.Product)
		if err != nil {
			return domain.OneTimePurchase{}, err
		}
		if err := s.grantItems(ctx, grantItemsRequest{
			customerType: req.CustomerType,
			customerID:   req.CustomerID,
			product:      product,
			quantity:     existing.Quantity,
			sourceType:   ledgerdomain.SourceTypePurchase,
			sourceID:     existing.ID.String(),
		}); err != nil {
			return domain.OneTimePurchase{}, err
		}
		return *existing, nil
	}

	snapshot, err := json.Marshal(req.Product)
	if err != nil {
		return domain.OneTimePurchase{}, err
	}
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	paymentIntentID := req.StripePaymentIntentID
	purchase := domain.OneTimePurchase{
		ID:                    s.genID.Generate(),
		TenancyID:             tenancyID,
		CustomerType:          req.CustomerType.Storage(),
		CustomerID:            req.CustomerID,
		ProductID:             req.ProductID,
		PriceID:               req.PriceID,
		Product:               snapshot,
		Quantity:              quantity,
		StripePaymentIntentID: &paymentIntentID,
		CreationSource:        domain.CreationSourcePurchase,
		CreatedAt:             s.clock.Now(),
	}
	if err := s.repo.InsertOneTimePurchase(ctx, s.db, &purchase); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			// Two deliveries raced; retry against the winning row.
			return s.RecordOneTimePurchase(ctx, req)
		}
		return domain.OneTimePurchase{}, err
	}

	if err := s.grantItems(ctx, grantItemsRequest{
		customerType: req.CustomerType,
		customerID:   req.CustomerID,
		product:      req.Product,
		quantity:     quantity,
		sourceType:   ledgerdomain.SourceTypePurchase,
		sourceID:     purchase.ID.String(),
	}); err != nil {
		return domain.OneTimePurchase{}, err
	}
	return purchase, nil
}

func (s *Service) GrantProduct(ctx context.Context, req domain.GrantProductRequest) error {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return errMissingTenancy
	}
	cfg, err := s.catalog.Catalog(ctx, tenancyID)
	if err != nil {
		return err
	}

	productID := ""
	if req.ProductID != nil {
		productID = *req.ProductID
	}
	product, resolvedID, err := catalog.ResolveProduct(cfg, catalog.AccessAdmin, productID, req.Product)
	if err != nil {
		return err
	}
	if err := catalog.EnsureProductCustomerType(product, resolvedID, req.CustomerType); err != nil {
		return err
	}

	if err := s.cancelConflicting(ctx, cfg, req.CustomerType, req.CustomerID, resolvedID, product); err != nil {
		return err
	}

	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	var idPtr *string
	if resolvedID != "" {
		idPtr = &resolvedID
	}
	snapshot, err := json.Marshal(product)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	if product.IsRecurring() {
		periodEnd := addInterval(now, recurringInterval(product))
		sub := domain.Subscription{
			ID:                 s.genID.Generate(),
			TenancyID:          tenancyID,
			CustomerType:       req.CustomerType.Storage(),
			CustomerID:         req.CustomerID,
			ProductID:          idPtr,
			Product:            snapshot,
			Quantity:           quantity,
			Status:             domain.StatusActive,
			CurrentPeriodStart: now,
			CurrentPeriodEnd:   periodEnd,
			CreationSource:     domain.CreationSourceAdmin,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.repo.InsertSubscription(ctx, s.db, &sub); err != nil {
			return err
		}
		return s.grantItems(ctx, grantItemsRequest{
			customerType: req.CustomerType,
			customerID:   req.CustomerID,
			product:      product,
			quantity:     quantity,
			sourceType:   ledgerdomain.SourceTypeSubscription,
			sourceID:     sub.ID.String(),
			periodEnd:    &periodEnd,
		})
	}

	purchase := domain.OneTimePurchase{
		ID:             s.genID.Generate(),
		TenancyID:      tenancyID,
		CustomerType:   req.CustomerType.Storage(),
		CustomerID:     req.CustomerID,
		ProductID:      idPtr,
		Product:        snapshot,
		Quantity:       quantity,
		CreationSource: domain.CreationSourceAdmin,
		CreatedAt:      now,
	}
	if err := s.repo.InsertOneTimePurchase(ctx, s.db, &purchase); err != nil {
		return err
	}
	return s.grantItems(ctx, grantItemsRequest{
		customerType: req.CustomerType,
		customerID:   req.CustomerID,
		product:      product,
		quantity:     quantity,
		sourceType:   ledgerdomain.SourceTypePurchase,
		sourceID:     purchase.ID.String(),
	})
}

// cancelConflicting ends live subscriptions that cannot coexist with the
// incoming product: same product line, neither side stackable, and the
// incoming product is not declared as an add-on to the held one.
func (s *Service) cancelConflicting(ctx context.Context, cfg *catalog.Config, customerType catalog.CustomerType, customerID, productID string, product catalog.Product) error {
	if product.ProductLineID == "" || product.Stackable {
		return nil
	}
	tenancyID, _ := tenantctx.TenancyIDFromContext(ctx)

	subs, err := s.repo.ListLiveSubscriptions(ctx, s.db, tenancyID, customerType.Storage(), customerID)
	if err != nil {
		return err
	}
	for i := range subs {
		held, err := decodeProduct(subs[i].Product)
		if err != nil {
			return err
		}
		owned := domain.OwnedProduct{
			ProductID: subs[i].ProductID,
			Product:   held,
			Quantity:  subs[i].Quantity,
			Recurring: true,
		}
		if !domain.Conflicts(product, productID, owned) {
			continue
		}
		if err := s.cancelSubscription(ctx, cfg, &subs[i]); err != nil {
			return err
		}
	}
	return nil
}

type grantItemsRequest struct {
	customerType catalog.CustomerType
	customerID   string
	product      catalog.Product
	quantity     int64
	sourceType   ledgerdomain.SourceType
	sourceID     string
	periodEnd    *time.Time
}

// grantItems writes one ledger row per included item. Grants are positive, so
// they cannot fail on balance.
func (s *Service) grantItems(ctx context.Context, req grantItemsRequest) error {
	for itemID, included := range req.product.IncludedItems {
		var expiresAt *time.Time
		if included.Expires == catalog.ExpiryWhenPurchaseExpires && req.periodEnd != nil {
			expiresAt = req.periodEnd
		}
		err := s.ledger.ApplyChange(ctx, ledgerdomain.ApplyChangeRequest{
			CustomerType: req.customerType,
			CustomerID:   req.customerID,
			ItemID:       itemID,
			Quantity:     included.Quantity * req.quantity,
			ExpiresAt:    expiresAt,
			SourceType:   req.sourceType,
			SourceID:     req.sourceID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeProduct(snapshot []byte) (catalog.Product, error) {
	var product catalog.Product
	if err := json.Unmarshal(snapshot, &product); err != nil {
		return catalog.Product{}, fmt.Errorf("decode product snapshot: %w", err)
	}
	return product, nil
}

// recurringInterval picks the interval of the product's recurring price.
func recurringInterval(product catalog.Product) catalog.Interval {
	for _, price := range product.Prices {
		if price.Interval != "" {
			return price.Interval
		}
	}
	return catalog.IntervalMonth
}

func addInterval(t time.Time, interval catalog.Interval) time.Time {
	switch interval {
	case catalog.IntervalDay:
		return t.AddDate(0, 0, 1)
	case catalog.IntervalWeek:
		return t.AddDate(0, 0, 7)
	case catalog.IntervalYear:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}
