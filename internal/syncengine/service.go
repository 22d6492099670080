// Package syncengine ingests processor webhook events. Events only tell the
// engine that something changed; all state is re-fetched through the
// processor client and reconciled locally, so replayed, reordered or forged
// payload bodies cannot corrupt local rows.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/internal/processor"
	subscriptiondomain "github.com/veltis/entitled/internal/subscription/domain"
	"github.com/veltis/entitled/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrMalformedEvent is the only error ProcessEvent returns; every other
// failure is captured and acknowledged so the processor stops retrying.
var ErrMalformedEvent = errors.New("malformed_event")

// purchaseKindOneTime marks a payment intent as a one-time product purchase.
const purchaseKindOneTime = "ONE_TIME"

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_processed_total",
		Help: "Webhook events by type and outcome.",
	}, []string{"type", "outcome"})
	capturedAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_captured_anomalies_total",
		Help: "Webhook processing failures that were captured and acknowledged.",
	}, []string{"reason"})
)

type eventEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Account string `json:"account"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// eventObject is the narrow view of data.object the engine is allowed to
// read: identifiers and metadata, never state fields.
type eventObject struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

// handledEvent reports whether an event type is on the allow-list.
func handledEvent(eventType string) bool {
	if eventType == "checkout.session.completed" {
		return true
	}
	for _, prefix := range []string{"customer.subscription.", "invoice.", "payment_intent."} {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

type Params struct {
	fx.In

	Log          *zap.Logger
	Catalog      catalog.Provider
	Processor    processor.Client
	Subscription subscriptiondomain.Service
}

type Service struct {
	log          *zap.Logger
	catalog      catalog.Provider
	processor    processor.Client
	subscription subscriptiondomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		log:          p.Log.Named("syncengine.service"),
		catalog:      p.Catalog,
		processor:    p.Processor,
		subscription: p.Subscription,
	}
}

// ProcessEvent handles one verified webhook delivery. Only a payload that
// cannot be parsed at all is an error; processing failures are captured so
// the caller can acknowledge regardless.
func (s *Service) ProcessEvent(ctx context.Context, payload []byte) error {
	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Type == "" {
		return ErrMalformedEvent
	}
	if !handledEvent(envelope.Type) {
		eventsProcessed.WithLabelValues(envelope.Type, "ignored").Inc()
		return nil
	}

	var object eventObject
	if len(envelope.Data.Object) > 0 {
		if err := json.Unmarshal(envelope.Data.Object, &object); err != nil {
			return ErrMalformedEvent
		}
	}

	if err := s.process(ctx, envelope, object); err != nil {
		s.capture(envelope, err)
		return nil
	}
	eventsProcessed.WithLabelValues(envelope.Type, "ok").Inc()
	return nil
}

func (s *Service) process(ctx context.Context, envelope eventEnvelope, object eventObject) error {
	if envelope.Account == "" {
		return errors.New("event has no connected account")
	}
	tenancyID, err := s.processor.AccountTenancyID(ctx, envelope.Account)
	if err != nil {
		return err
	}
	ctx = tenantctx.WithTenancyID(ctx, tenancyID)

	if envelope.Type == "payment_intent.succeeded" && object.Metadata[processor.MetaPurchaseKind] == purchaseKindOneTime {
		return s.processOneTimePurchase(ctx, tenancyID, object)
	}

	if object.Customer == "" {
		return errors.New("event carries no customer id")
	}
	return s.SyncCustomer(ctx, envelope.Account, object.Customer)
}

// SyncCustomer re-fetches a processor customer with its subscriptions and
// invoices and reconciles the local rows.
func (s *Service) SyncCustomer(ctx context.Context, accountID, stripeCustomerID string) error {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return errors.New("missing_tenancy")
	}

	remote, err := s.processor.GetCustomer(ctx, accountID, stripeCustomerID)
	if err != nil {
		if errors.Is(err, processor.ErrCustomerDeleted) {
			s.log.Warn("skipping sync for deleted customer",
				zap.String("stripe_customer_id", stripeCustomerID))
			return nil
		}
		return err
	}

	customerType, customerID, err := customerIdentity(tenancyID, remote.Metadata)
	if err != nil {
		return err
	}

	cfg, err := s.catalog.Catalog(ctx, tenancyID)
	if err != nil {
		return err
	}

	subs, err := s.processor.ListSubscriptions(ctx, accountID, stripeCustomerID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		productID, priceID, product, err := resolveEventProduct(cfg, sub.Metadata)
		if err != nil {
			return err
		}
		_, err = s.subscription.UpsertFromProcessor(ctx, subscriptiondomain.UpsertSubscriptionRequest{
			CustomerType: customerType,
			CustomerID:   customerID,
			ProductID:    productID,
			PriceID:      priceID,
			Product:      product,
			Remote:       sub,
		})
		if err != nil {
			return err
		}
	}

	invoices, err := s.processor.ListInvoices(ctx, accountID, stripeCustomerID)
	if err != nil {
		return err
	}
	for _, invoice := range invoices {
		if _, err := s.subscription.UpsertInvoice(ctx, customerType, customerID, invoice); err != nil {
			return err
		}
	}
	return nil
}

// processOneTimePurchase writes the purchase row and its item grants. The
// payment intent metadata is trusted because this service wrote it when the
// intent was created; only identifiers are read from it.
func (s *Service) processOneTimePurchase(ctx context.Context, tenancyID string, object eventObject) error {
	customerType, customerID, err := customerIdentity(tenancyID, object.Metadata)
	if err != nil {
		return err
	}
	cfg, err := s.catalog.Catalog(ctx, tenancyID)
	if err != nil {
		return err
	}
	productID, priceID, product, err := resolveEventProduct(cfg, object.Metadata)
	if err != nil {
		return err
	}

	quantity := int64(1)
	if raw := object.Metadata[processor.MetaQuantity]; raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return errors.New("invalid purchase quantity in payment intent metadata")
		}
		quantity = parsed
	}

	_, err = s.subscription.RecordOneTimePurchase(ctx, subscriptiondomain.RecordOneTimePurchaseRequest{
		CustomerType:          customerType,
		CustomerID:            customerID,
		ProductID:             productID,
		PriceID:               priceID,
		Product:               product,
		Quantity:              quantity,
		StripePaymentIntentID: object.ID,
	})
	if err != nil {
		return err
	}

	s.log.Info("one-time purchase recorded",
		zap.String("tenancy_id", tenancyID),
		zap.String("payment_intent_id", object.ID),
		zap.String("customer_id", customerID),
	)
	return nil
}

func (s *Service) capture(envelope eventEnvelope, err error) {
	eventsProcessed.WithLabelValues(envelope.Type, "captured").Inc()
	capturedAnomalies.WithLabelValues(envelope.Type).Inc()
	s.log.Error("webhook event capture",
		zap.String("event_id", envelope.ID),
		zap.String("event_type", envelope.Type),
		zap.String("account_id", envelope.Account),
		zap.Error(err),
	)
}

// customerIdentity extracts the local customer identity from processor
// metadata and cross-checks the tenancy it was written for.
func customerIdentity(tenancyID string, metadata map[string]string) (catalog.CustomerType, string, error) {
	if got := metadata[processor.MetaTenancyID]; got != "" && got != tenancyID {
		return "", "", errors.New("metadata tenancy does not match connected account")
	}
	customerID := metadata[processor.MetaCustomerID]
	if customerID == "" {
		return "", "", errors.New("metadata carries no customer id")
	}
	customerType, err := catalog.ParseCustomerType(metadata[processor.MetaCustomerType])
	if err != nil {
		return "", "", err
	}
	return customerType, customerID, nil
}

// resolveEventProduct reads the product reference from processor metadata:
// a catalog product id, an inline product snapshot, or the pre-rename offer
// alias of the latter.
func resolveEventProduct(cfg *catalog.Config, metadata map[string]string) (*string, *string, catalog.Product, error) {
	productID := metadata[processor.MetaProductID]

	var inline *catalog.Product
	rawInline := metadata[processor.MetaProduct]
	if rawInline == "" {
		rawInline = metadata[processor.MetaOffer]
	}
	if rawInline != "" {
		var product catalog.Product
		if err := json.Unmarshal([]byte(rawInline), &product); err != nil {
			return nil, nil, catalog.Product{}, err
		}
		inline = &product
	}

	product, resolvedID, err := catalog.ResolveProduct(cfg, catalog.AccessServer, productID, inline)
	if err != nil {
		return nil, nil, catalog.Product{}, err
	}

	var idPtr *string
	if resolvedID != "" {
		idPtr = &resolvedID
	}
	var pricePtr *string
	if priceID := metadata[processor.MetaPriceID]; priceID != "" {
		pricePtr = &priceID
	}
	return idPtr, pricePtr, product, nil
}
