package syncengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/internal/processor"
	subscriptiondomain "github.com/veltis/entitled/internal/subscription/domain"
	"github.com/veltis/entitled/pkg/db/pagination"
	"go.uber.org/zap/zaptest"
)

const testTenancy = "tenancy-1"

type processorStub struct {
	tenancyCalls  int
	customer      processor.Customer
	customerErr   error
	subscriptions []processor.Subscription
	invoices      []processor.Invoice
}

func (p *processorStub) AccountTenancyID(_ context.Context, accountID string) (string, error) {
	p.tenancyCalls++
	if accountID != "acct_1" {
		return "", processor.ErrAccountNotFound
	}
	return testTenancy, nil
}

func (p *processorStub) GetCustomer(context.Context, string, string) (processor.Customer, error) {
	if p.customerErr != nil {
		return processor.Customer{}, p.customerErr
	}
	return p.customer, nil
}

func (p *processorStub) FindCustomer(context.Context, string, string, string) (*processor.Customer, error) {
	return nil, nil
}

func (p *processorStub) CreateCustomer(context.Context, string, map[string]string) (processor.Customer, error) {
	return processor.Customer{}, errors.New("not expected")
}

func (p *processorStub) ListSubscriptions(context.Context, string, string) ([]processor.Subscription, error) {
	return p.subscriptions, nil
}

func (p *processorStub) ListInvoices(context.Context, string, string) ([]processor.Invoice, error) {
	return p.invoices, nil
}

func (p *processorStub) CancelSubscription(context.Context, string, string) error {
	return nil
}

type subscriptionStub struct {
	upserts   []subscriptiondomain.UpsertSubscriptionRequest
	invoices  []processor.Invoice
	purchases []subscriptiondomain.RecordOneTimePurchaseRequest
}

func (s *subscriptionStub) Cancel(context.Context, subscriptiondomain.CancelRequest) error {
	return errors.New("not expected")
}

func (s *subscriptionStub) OwnedProducts(context.Context, catalog.CustomerType, string) ([]subscriptiondomain.OwnedProduct, error) {
	return nil, nil
}

func (s *subscriptionStub) ListInvoices(context.Context, catalog.CustomerType, string, pagination.Pagination) ([]subscriptiondomain.SubscriptionInvoice, pagination.PageInfo, error) {
	return nil, pagination.PageInfo{}, nil
}

func (s *subscriptionStub) UpsertFromProcessor(_ context.Context, req subscriptiondomain.UpsertSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	s.upserts = append(s.upserts, req)
	return subscriptiondomain.Subscription{}, nil
}

func (s *subscriptionStub) UpsertInvoice(_ context.Context, _ catalog.CustomerType, _ string, remote processor.Invoice) (subscriptiondomain.SubscriptionInvoice, error) {
	s.invoices = append(s.invoices, remote)
	return subscriptiondomain.SubscriptionInvoice{}, nil
}

func (s *subscriptionStub) RecordOneTimePurchase(_ context.Context, req subscriptiondomain.RecordOneTimePurchaseRequest) (subscriptiondomain.OneTimePurchase, error) {
	s.purchases = append(s.purchases, req)
	return subscriptiondomain.OneTimePurchase{}, nil
}

func (s *subscriptionStub) GrantProduct(context.Context, subscriptiondomain.GrantProductRequest) error {
	return errors.New("not expected")
}

func setupEngine(t *testing.T) (*Service, *processorStub, *subscriptionStub) {
	t.Helper()
	stub := &processorStub{}
	subs := &subscriptionStub{}
	svc := NewService(Params{
		Log: zaptest.NewLogger(t),
		Catalog: catalog.StaticProvider{testTenancy: {
			StripeAccountID: "acct_1",
			Products: map[string]catalog.Product{
				"pro": {
					DisplayName:  "Pro",
					CustomerType: catalog.CustomerTypeUser,
					Prices: map[string]catalog.Price{
						"monthly": {UnitAmount: 1500, Currency: "usd", Interval: catalog.IntervalMonth},
					},
				},
				"booster": {
					DisplayName:  "Booster",
					CustomerType: catalog.CustomerTypeUser,
					Prices: map[string]catalog.Price{
						"once": {UnitAmount: 500, Currency: "usd"},
					},
				},
			},
			Items: map[string]catalog.Item{},
		}},
		Processor:    stub,
		Subscription: subs,
	})
	return svc, stub, subs
}

func userMetadata() map[string]string {
	return map[string]string{
		processor.MetaTenancyID:    testTenancy,
		processor.MetaCustomerID:   "u1",
		processor.MetaCustomerType: "USER",
	}
}

func TestProcessEventIgnoresUnhandledTypes(t *testing.T) {
	svc, stub, subs := setupEngine(t)

	err := svc.ProcessEvent(context.Background(), []byte(`{
		"id": "evt_1",
		"type": "charge.refunded",
		"account": "acct_1",
		"data": {"object": {"id": "ch_1"}}
	}`))
	require.NoError(t, err)
	assert.Zero(t, stub.tenancyCalls, "ignored events must not reach the processor")
	assert.Empty(t, subs.upserts)
}

func TestProcessEventRejectsMalformedPayloads(t *testing.T) {
	svc, _, _ := setupEngine(t)

	assert.ErrorIs(t, svc.ProcessEvent(context.Background(), []byte(`not json`)), ErrMalformedEvent)
	assert.ErrorIs(t, svc.ProcessEvent(context.Background(), []byte(`{"id":"evt_1"}`)), ErrMalformedEvent)
	assert.ErrorIs(t, svc.ProcessEvent(context.Background(), []byte(`{
		"type": "invoice.paid",
		"account": "acct_1",
		"data": {"object": [1, 2]}
	}`)), ErrMalformedEvent)
}

func TestSubscriptionEventResyncsCustomerState(t *testing.T) {
	svc, stub, subs := setupEngine(t)
	stub.customer = processor.Customer{ID: "cus_1", Metadata: userMetadata()}
	stub.subscriptions = []processor.Subscription{{
		ID:                 "sub_123",
		Status:             "active",
		Quantity:           1,
		CurrentPeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Metadata:           map[string]string{processor.MetaProductID: "pro"},
	}}
	stub.invoices = []processor.Invoice{{ID: "in_1", SubscriptionID: "sub_123", Status: "paid"}}

	// The payload claims the subscription is canceled; only identifiers may be
	// read from it, so the re-fetched active state must win.
	err := svc.ProcessEvent(context.Background(), []byte(`{
		"id": "evt_1",
		"type": "customer.subscription.updated",
		"account": "acct_1",
		"data": {"object": {"id": "sub_123", "customer": "cus_1", "status": "canceled"}}
	}`))
	require.NoError(t, err)

	require.Len(t, subs.upserts, 1)
	upsert := subs.upserts[0]
	assert.Equal(t, catalog.CustomerTypeUser, upsert.CustomerType)
	assert.Equal(t, "u1", upsert.CustomerID)
	require.NotNil(t, upsert.ProductID)
	assert.Equal(t, "pro", *upsert.ProductID)
	assert.Equal(t, "Pro", upsert.Product.DisplayName)
	assert.Equal(t, "active", upsert.Remote.Status)

	require.Len(t, subs.invoices, 1)
	assert.Equal(t, "in_1", subs.invoices[0].ID)
}

func TestOneTimePaymentIntentRecordsPurchase(t *testing.T) {
	svc, _, subs := setupEngine(t)

	err := svc.ProcessEvent(context.Background(), []byte(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"account": "acct_1",
		"data": {"object": {
			"id": "pi_123",
			"metadata": {
				"tenancy_id": "tenancy-1",
				"customer_id": "u1",
				"customer_type": "USER",
				"product_id": "booster",
				"purchase_kind": "ONE_TIME",
				"purchase_quantity": "2"
			}
		}}
	}`))
	require.NoError(t, err)

	require.Len(t, subs.purchases, 1)
	purchase := subs.purchases[0]
	assert.Equal(t, "pi_123", purchase.StripePaymentIntentID)
	assert.Equal(t, int64(2), purchase.Quantity)
	require.NotNil(t, purchase.ProductID)
	assert.Equal(t, "booster", *purchase.ProductID)
	assert.Empty(t, subs.upserts, "one-time purchases must not trigger a customer sync")
}

func TestInlineOfferMetadataResolves(t *testing.T) {
	svc, _, subs := setupEngine(t)

	err := svc.ProcessEvent(context.Background(), []byte(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"account": "acct_1",
		"data": {"object": {
			"id": "pi_123",
			"metadata": {
				"customer_id": "u1",
				"customer_type": "user",
				"purchase_kind": "ONE_TIME",
				"offer": "{\"display_name\":\"Custom Deal\",\"customer_type\":\"user\"}"
			}
		}}
	}`))
	require.NoError(t, err)

	require.Len(t, subs.purchases, 1)
	assert.Nil(t, subs.purchases[0].ProductID)
	assert.Equal(t, "Custom Deal", subs.purchases[0].Product.DisplayName)
}

func TestProcessingFailuresAreCaptured(t *testing.T) {
	svc, stub, subs := setupEngine(t)
	stub.customerErr = errors.New("processor unavailable")

	// The delivery is acknowledged so the processor stops retrying; the
	// failure is surfaced through logs and metrics instead.
	err := svc.ProcessEvent(context.Background(), []byte(`{
		"id": "evt_1",
		"type": "invoice.paid",
		"account": "acct_1",
		"data": {"object": {"id": "in_1", "customer": "cus_1"}}
	}`))
	require.NoError(t, err)
	assert.Empty(t, subs.invoices)
}

func TestDeletedCustomerSkipsSync(t *testing.T) {
	svc, stub, subs := setupEngine(t)
	stub.customerErr = processor.ErrCustomerDeleted

	err := svc.ProcessEvent(context.Background(), []byte(`{
		"id": "evt_1",
		"type": "customer.subscription.deleted",
		"account": "acct_1",
		"data": {"object": {"id": "sub_123", "customer": "cus_1"}}
	}`))
	require.NoError(t, err)
	assert.Empty(t, subs.upserts)
}

func TestMetadataTenancyMismatchIsCaptured(t *testing.T) {
	svc, stub, subs := setupEngine(t)
	metadata := userMetadata()
	metadata[processor.MetaTenancyID] = "tenancy-other"
	stub.customer = processor.Customer{ID: "cus_1", Metadata: metadata}

	err := svc.ProcessEvent(context.Background(), []byte(`{
		"id": "evt_1",
		"type": "invoice.paid",
		"account": "acct_1",
		"data": {"object": {"id": "in_1", "customer": "cus_1"}}
	}`))
	require.NoError(t, err)
	assert.Empty(t, subs.upserts)
	assert.Empty(t, subs.invoices)
}
