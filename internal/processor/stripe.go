package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/veltis/entitled/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type StripeClient struct {
	api *client.API
	log *zap.Logger
}

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

func NewStripeClient(p Params) Client {
	api := &client.API{}
	api.Init(p.Cfg.StripeSecretKey, nil)
	return &StripeClient{
		api: api,
		log: p.Log.Named("processor.stripe"),
	}
}

func (c *StripeClient) AccountTenancyID(ctx context.Context, accountID string) (string, error) {
	account, err := c.api.Accounts.GetByID(accountID, &stripe.AccountParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return "", fmt.Errorf("retrieve account %s: %w", accountID, err)
	}
	tenancyID := strings.TrimSpace(account.Metadata[MetaTenancyID])
	if tenancyID == "" {
		return "", ErrAccountNotFound
	}
	return tenancyID, nil
}

func (c *StripeClient) GetCustomer(ctx context.Context, accountID, customerID string) (Customer, error) {
	params := &stripe.CustomerParams{Params: stripe.Params{Context: ctx}}
	params.SetStripeAccount(accountID)
	cust, err := c.api.Customers.Get(customerID, params)
	if err != nil {
		return Customer{}, fmt.Errorf("retrieve customer %s: %w", customerID, err)
	}
	if cust.Deleted {
		return Customer{}, ErrCustomerDeleted
	}
	return Customer{ID: cust.ID, Deleted: cust.Deleted, Metadata: cust.Metadata}, nil
}

func (c *StripeClient) FindCustomer(ctx context.Context, accountID, customerID, customerType string) (*Customer, error) {
	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Context: ctx,
			Query:   fmt.Sprintf("metadata['%s']:'%s'", MetaCustomerID, customerID),
		},
	}
	params.SetStripeAccount(accountID)

	iter := c.api.Customers.Search(params)
	for iter.Next() {
		cust := iter.Customer()
		storedType := cust.Metadata[MetaCustomerType]
		if storedType != "" && storedType != customerType {
			continue
		}
		return &Customer{ID: cust.ID, Deleted: cust.Deleted, Metadata: cust.Metadata}, nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("search customers: %w", err)
	}
	return nil, nil
}

func (c *StripeClient) CreateCustomer(ctx context.Context, accountID string, metadata map[string]string) (Customer, error) {
	params := &stripe.CustomerParams{Params: stripe.Params{Context: ctx}}
	params.SetStripeAccount(accountID)
	for key, value := range metadata {
		params.AddMetadata(key, value)
	}
	cust, err := c.api.Customers.New(params)
	if err != nil {
		return Customer{}, fmt.Errorf("create customer: %w", err)
	}
	return Customer{ID: cust.ID, Metadata: cust.Metadata}, nil
}

func (c *StripeClient) ListSubscriptions(ctx context.Context, accountID, customerID string) ([]Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.SetStripeAccount(accountID)

	var out []Subscription
	iter := c.api.Subscriptions.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		if len(sub.Items.Data) == 0 {
			continue
		}
		item := sub.Items.Data[0]
		quantity := item.Quantity
		if quantity == 0 {
			quantity = 1
		}
		p := sanitizePeriod(sub.CurrentPeriodStart, sub.CurrentPeriodEnd, c.log, sub.ID)
		out = append(out, Subscription{
			ID:                 sub.ID,
			Status:             string(sub.Status),
			Quantity:           quantity,
			CurrentPeriodStart: p.start,
			CurrentPeriodEnd:   p.end,
			CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
			CanceledAt:         unixOrNil(sub.CanceledAt),
			EndedAt:            unixOrNil(sub.EndedAt),
			Metadata:           sub.Metadata,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions for %s: %w", customerID, err)
	}
	return out, nil
}

func (c *StripeClient) ListInvoices(ctx context.Context, accountID, customerID string) ([]Invoice, error) {
	params := &stripe.InvoiceListParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	params.SetStripeAccount(accountID)

	var out []Invoice
	iter := c.api.Invoices.List(params)
	for iter.Next() {
		inv := iter.Invoice()
		if inv.Subscription == nil || inv.ID == "" {
			continue
		}
		out = append(out, Invoice{
			ID:                inv.ID,
			SubscriptionID:    inv.Subscription.ID,
			Status:            string(inv.Status),
			AmountTotal:       inv.Total,
			HostedInvoiceURL:  inv.HostedInvoiceURL,
			IsCreationInvoice: inv.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate,
			CreatedAt:         time.Unix(inv.Created, 0).UTC(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list invoices for %s: %w", customerID, err)
	}
	return out, nil
}

func (c *StripeClient) CancelSubscription(ctx context.Context, accountID, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{Params: stripe.Params{Context: ctx}}
	params.SetStripeAccount(accountID)
	if _, err := c.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}
	return nil
}

type period struct {
	start time.Time
	end   time.Time
}

// sanitizePeriod guards against processor fixtures reporting end <= start;
// only the ordering constraint is checked so legitimate long periods pass.
func sanitizePeriod(startUnix, endUnix int64, log *zap.Logger, subscriptionID string) period {
	start := time.Unix(startUnix, 0).UTC()
	end := time.Unix(endUnix, 0).UTC()
	if start.Before(end) {
		return period{start: start, end: end}
	}

	log.Error("invalid subscription period from processor, using fallback",
		zap.String("subscription_id", subscriptionID),
		zap.Time("start", start),
		zap.Time("end", end),
	)
	now := time.Now().UTC()
	return period{start: now, end: now.AddDate(0, 1, 0)}
}

func unixOrNil(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

// Module wires the Stripe-backed processor client.
var Module = fx.Module("processor",
	fx.Provide(NewStripeClient),
)
