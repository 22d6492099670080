package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/internal/clock"
	"github.com/veltis/entitled/internal/config"
	customerdomain "github.com/veltis/entitled/internal/customer/domain"
	ledgerdomain "github.com/veltis/entitled/internal/ledger/domain"
	obsmetrics "github.com/veltis/entitled/internal/observability/metrics"
	"github.com/veltis/entitled/internal/processor"
	purchasedomain "github.com/veltis/entitled/internal/purchase/domain"
	subscriptiondomain "github.com/veltis/entitled/internal/subscription/domain"
	"github.com/veltis/entitled/internal/syncengine"
	transactiondomain "github.com/veltis/entitled/internal/transaction/domain"
	"github.com/veltis/entitled/pkg/db/pagination"
	"go.uber.org/zap/zaptest"
)

const (
	testTenancy  = "tenancy-1"
	testAdminKey = "admin-key"
	testWebhook  = "whsec_test"
)

// The prometheus default registry only accepts each instrument once.
var testMetrics = obsmetrics.NewHTTPMetrics()

type customerStub struct{}

func (customerStub) Ensure(context.Context, customerdomain.EnsureRequest) (customerdomain.Customer, error) {
	return customerdomain.Customer{}, nil
}

func (customerStub) Get(context.Context, catalog.CustomerType, string) (customerdomain.Customer, error) {
	return customerdomain.Customer{}, customerdomain.ErrNotFound
}

type ledgerStub struct {
	item     ledgerdomain.ItemQuantity
	applyErr error
}

func (l *ledgerStub) Balance(context.Context, catalog.CustomerType, string, string, time.Time) (int64, error) {
	return l.item.Quantity, nil
}

func (l *ledgerStub) TryApplyChange(context.Context, ledgerdomain.ApplyChangeRequest) (bool, error) {
	return l.applyErr == nil, nil
}

func (l *ledgerStub) ApplyChange(context.Context, ledgerdomain.ApplyChangeRequest) error {
	return l.applyErr
}

func (l *ledgerStub) ItemQuantity(context.Context, catalog.CustomerType, string, string, bool) (ledgerdomain.ItemQuantity, error) {
	return l.item, nil
}

type subscriptionStub struct {
	cancelErr error
}

func (s *subscriptionStub) Cancel(context.Context, subscriptiondomain.CancelRequest) error {
	return s.cancelErr
}

func (s *subscriptionStub) OwnedProducts(context.Context, catalog.CustomerType, string) ([]subscriptiondomain.OwnedProduct, error) {
	return nil, nil
}

func (s *subscriptionStub) ListInvoices(context.Context, catalog.CustomerType, string, pagination.Pagination) ([]subscriptiondomain.SubscriptionInvoice, pagination.PageInfo, error) {
	return nil, pagination.PageInfo{}, nil
}

func (s *subscriptionStub) UpsertFromProcessor(context.Context, subscriptiondomain.UpsertSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	return subscriptiondomain.Subscription{}, nil
}

func (s *subscriptionStub) UpsertInvoice(context.Context, catalog.CustomerType, string, processor.Invoice) (subscriptiondomain.SubscriptionInvoice, error) {
	return subscriptiondomain.SubscriptionInvoice{}, nil
}

func (s *subscriptionStub) RecordOneTimePurchase(context.Context, subscriptiondomain.RecordOneTimePurchaseRequest) (subscriptiondomain.OneTimePurchase, error) {
	return subscriptiondomain.OneTimePurchase{}, nil
}

func (s *subscriptionStub) GrantProduct(context.Context, subscriptiondomain.GrantProductRequest) error {
	return nil
}

type purchaseStub struct {
	validateResult purchasedomain.ValidateCodeResult
	validateErr    error
}

func (p *purchaseStub) CreateURL(context.Context, purchasedomain.CreateURLRequest) (purchasedomain.CreateURLResult, error) {
	return purchasedomain.CreateURLResult{URL: "https://pay.example.com/purchase/token"}, nil
}

func (p *purchaseStub) ValidateCode(context.Context, string) (purchasedomain.ValidateCodeResult, error) {
	return p.validateResult, p.validateErr
}

type transactionStub struct{}

func (transactionStub) List(context.Context, transactiondomain.Filter, pagination.Pagination) ([]transactiondomain.Transaction, pagination.PageInfo, error) {
	return []transactiondomain.Transaction{}, pagination.PageInfo{}, nil
}

type processorStub struct{}

func (processorStub) AccountTenancyID(context.Context, string) (string, error) {
	return testTenancy, nil
}

func (processorStub) GetCustomer(context.Context, string, string) (processor.Customer, error) {
	return processor.Customer{}, processor.ErrCustomerNotFound
}

func (processorStub) FindCustomer(context.Context, string, string, string) (*processor.Customer, error) {
	return nil, nil
}

func (processorStub) CreateCustomer(context.Context, string, map[string]string) (processor.Customer, error) {
	return processor.Customer{}, errors.New("not expected")
}

func (processorStub) ListSubscriptions(context.Context, string, string) ([]processor.Subscription, error) {
	return nil, nil
}

func (processorStub) ListInvoices(context.Context, string, string) ([]processor.Invoice, error) {
	return nil, nil
}

func (processorStub) CancelSubscription(context.Context, string, string) error {
	return nil
}

type serverStubs struct {
	ledger       *ledgerStub
	subscription *subscriptionStub
	purchase     *purchaseStub
}

func setupServer(t *testing.T) (*Server, *serverStubs) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zaptest.NewLogger(t)
	stubs := &serverStubs{
		ledger:       &ledgerStub{item: ledgerdomain.ItemQuantity{ID: "credits", DisplayName: "Credits", Quantity: 7}},
		subscription: &subscriptionStub{},
		purchase:     &purchaseStub{},
	}
	engine := NewEngine(testMetrics)
	srv := NewServer(Params{
		Gin: engine,
		Cfg: config.Config{
			AdminAPIKey:         testAdminKey,
			StripeWebhookSecret: testWebhook,
		},
		Log:            log,
		Clock:          clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		CustomerSvc:    customerStub{},
		LedgerSvc:      stubs.ledger,
		Subscriptions:  stubs.subscription,
		PurchaseSvc:    stubs.purchase,
		TransactionSvc: transactionStub{},
		SyncEngine: syncengine.NewService(syncengine.Params{
			Log:          log,
			Catalog:      catalog.StaticProvider{testTenancy: {StripeAccountID: "acct_1"}},
			Processor:    processorStub{},
			Subscription: stubs.subscription,
		}),
	})
	return srv, stubs
}

func perform(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, req)
	return w
}

func tenancyHeaders(extra map[string]string) map[string]string {
	headers := map[string]string{HeaderTenancy: testTenancy}
	for key, value := range extra {
		headers[key] = value
	}
	return headers
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, _ := setupServer(t)

	w := perform(srv, http.MethodPost, "/webhooks/stripe", `{"type":"invoice.paid"}`,
		map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	srv, _ := setupServer(t)

	body := strings.Repeat("a", webhookBodyLimit+1)
	w := perform(srv, http.MethodPost, "/webhooks/stripe", body,
		map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRejectsMalformedEvent(t *testing.T) {
	srv, _ := setupServer(t)

	payload := []byte(`{"id":"evt_1"}`)
	header := processor.SignPayload(payload, testWebhook, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	w := perform(srv, http.MethodPost, "/webhooks/stripe", string(payload),
		map[string]string{"Stripe-Signature": header})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookAcknowledgesUnhandledTypes(t *testing.T) {
	srv, _ := setupServer(t)

	payload := []byte(`{"id":"evt_1","type":"charge.refunded","account":"acct_1","data":{"object":{}}}`)
	header := processor.SignPayload(payload, testWebhook, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	w := perform(srv, http.MethodPost, "/webhooks/stripe", string(payload),
		map[string]string{"Stripe-Signature": header})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received": true}`, w.Body.String())
}

func TestAPIRequiresTenancyHeader(t *testing.T) {
	srv, _ := setupServer(t)

	w := perform(srv, http.MethodGet, "/api/v1/payments/items/user/u1/credits", "",
		map[string]string{HeaderAccessType: "server"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	assert.Equal(t, "validation_error", payload.Type)
	assert.Equal(t, "missing_tenancy", payload.Code)
}

func TestAdminKeyGuardsTransactions(t *testing.T) {
	srv, _ := setupServer(t)

	w := perform(srv, http.MethodGet, "/api/v1/payments/transactions", "", tenancyHeaders(nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = perform(srv, http.MethodGet, "/api/v1/payments/transactions", "",
		tenancyHeaders(map[string]string{HeaderAdminKey: "wrong"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = perform(srv, http.MethodGet, "/api/v1/payments/transactions", "",
		tenancyHeaders(map[string]string{HeaderAdminKey: testAdminKey}))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestClientAccessLimitedToOwnUser(t *testing.T) {
	srv, _ := setupServer(t)

	w := perform(srv, http.MethodGet, "/api/v1/payments/items/user/u1/credits", "",
		tenancyHeaders(map[string]string{HeaderClientUser: "u2"}))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Team balances are never reachable with client credentials.
	w = perform(srv, http.MethodGet, "/api/v1/payments/items/team/team-1/credits", "",
		tenancyHeaders(map[string]string{HeaderClientUser: "u1"}))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = perform(srv, http.MethodGet, "/api/v1/payments/items/user/u1/credits", "",
		tenancyHeaders(map[string]string{HeaderClientUser: "u1"}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id": "credits", "display_name": "Credits", "quantity": 7}`, w.Body.String())
}

func TestUpdateQuantityMapsInsufficientBalance(t *testing.T) {
	srv, stubs := setupServer(t)
	stubs.ledger.applyErr = &ledgerdomain.InsufficientAmountError{
		ItemID:     "credits",
		CustomerID: "u1",
		Quantity:   -10,
	}

	w := perform(srv, http.MethodPost, "/api/v1/payments/items/user/u1/credits/update-quantity",
		`{"delta": -10}`,
		tenancyHeaders(map[string]string{HeaderAdminKey: testAdminKey}))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "policy_violation", decodeError(t, w).Type)
}

func TestCancelUnownedProductMapsToPolicyViolation(t *testing.T) {
	srv, stubs := setupServer(t)
	stubs.subscription.cancelErr = subscriptiondomain.ErrProductNotOwned

	w := perform(srv, http.MethodDelete, "/api/v1/payments/subscriptions/user/u1/pro", "",
		tenancyHeaders(map[string]string{HeaderAccessType: "server"}))
	require.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	assert.Equal(t, "policy_violation", payload.Type)
	assert.Equal(t, "product_not_owned", payload.Code)
}

func TestValidateCodeKeepsOfferAliases(t *testing.T) {
	srv, stubs := setupServer(t)
	proID := "pro"
	stubs.purchase.validateResult = purchasedomain.ValidateCodeResult{
		ProductID:    &proID,
		Product:      catalog.Product{DisplayName: "Pro", CustomerType: catalog.CustomerTypeUser},
		CustomerType: "user",
		CustomerID:   "u1",
		ConflictingProducts: []purchasedomain.ConflictingOwned{{
			DisplayName: "Max",
			Recurring:   true,
		}},
	}

	w := perform(srv, http.MethodPost, "/api/v1/payments/purchases/validate-code",
		`{"code": "some-token"}`,
		tenancyHeaders(map[string]string{HeaderAccessType: "server"}))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "product")
	assert.Contains(t, body, "conflicting_products")
	// Pre-rename aliases mirror the canonical fields byte for byte.
	assert.JSONEq(t, string(body["product"]), string(body["offer"]))
	assert.JSONEq(t, string(body["conflicting_products"]), string(body["conflicting_group_offers"]))
}

func TestExpiredCodeMapsToPolicyViolation(t *testing.T) {
	srv, stubs := setupServer(t)
	stubs.purchase.validateErr = purchasedomain.ErrCodeExpired

	w := perform(srv, http.MethodPost, "/api/v1/payments/purchases/validate-code",
		`{"code": "stale-token"}`,
		tenancyHeaders(map[string]string{HeaderAccessType: "server"}))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "purchase_code_expired", decodeError(t, w).Code)
}
