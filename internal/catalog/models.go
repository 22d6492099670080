// Package catalog models the tenant-scoped product and item configuration.
// The catalog is read-only input: it is resolved per tenancy and passed
// explicitly into the functions that need it, never held as a singleton.
package catalog

import (
	"encoding/json"
	"errors"
	"strings"
)

// CustomerType identifies which kind of billable entity a product or item
// applies to.
type CustomerType string

const (
	CustomerTypeUser   CustomerType = "user"
	CustomerTypeTeam   CustomerType = "team"
	CustomerTypeCustom CustomerType = "custom"
)

var ErrInvalidCustomerType = errors.New("invalid_customer_type")

// ParseCustomerType accepts both wire ("user") and storage ("USER") forms.
func ParseCustomerType(raw string) (CustomerType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user":
		return CustomerTypeUser, nil
	case "team":
		return CustomerTypeTeam, nil
	case "custom":
		return CustomerTypeCustom, nil
	default:
		return "", ErrInvalidCustomerType
	}
}

// Storage returns the uppercase form persisted in the database.
func (t CustomerType) Storage() string {
	return strings.ToUpper(string(t))
}

// Wire returns the lowercase form exposed on the API.
func (t CustomerType) Wire() string {
	return strings.ToLower(string(t))
}

// Interval is a recurring billing or grant interval.
type Interval string

const (
	IntervalDay   Interval = "day"
	IntervalWeek  Interval = "week"
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// ExpiryPolicy controls when a granted item quantity lapses.
type ExpiryPolicy string

const (
	ExpiryNever               ExpiryPolicy = "never"
	ExpiryWhenPurchaseExpires ExpiryPolicy = "when-purchase-expires"
	ExpiryWhenRepeated        ExpiryPolicy = "when-repeated"
)

// Price is one purchasable price of a product. An empty Interval means a
// one-time price.
type Price struct {
	UnitAmount int64    `json:"unit_amount"`
	Currency   string   `json:"currency"`
	Interval   Interval `json:"interval,omitempty"`
	ServerOnly bool     `json:"server_only,omitempty"`
}

// IncludedItem is the quantity of an item granted while a product is owned.
type IncludedItem struct {
	Quantity int64        `json:"quantity"`
	Repeat   Interval     `json:"repeat,omitempty"`
	Expires  ExpiryPolicy `json:"expires,omitempty"`
}

// Product is a catalog entry. Products may also be supplied inline at
// purchase time with the same shape.
type Product struct {
	DisplayName   string                  `json:"display_name"`
	CustomerType  CustomerType            `json:"customer_type"`
	ProductLineID string                  `json:"product_line_id,omitempty"`
	Stackable     bool                    `json:"stackable,omitempty"`
	ServerOnly    bool                    `json:"server_only,omitempty"`
	Prices        map[string]Price        `json:"prices,omitempty"`
	IncludedItems map[string]IncludedItem `json:"included_items,omitempty"`
	IsAddOnTo     []string                `json:"is_add_on_to,omitempty"`
}

// productAlias accepts the pre-rename catalog_id vocabulary on input. The
// canonical field is product_line_id; catalog_id is folded into it and never
// written back out.
type productAlias struct {
	DisplayName   string                  `json:"display_name"`
	CustomerType  CustomerType            `json:"customer_type"`
	ProductLineID string                  `json:"product_line_id"`
	CatalogID     string                  `json:"catalog_id"`
	Stackable     bool                    `json:"stackable"`
	ServerOnly    bool                    `json:"server_only"`
	Prices        map[string]Price        `json:"prices"`
	IncludedItems map[string]IncludedItem `json:"included_items"`
	IsAddOnTo     []string                `json:"is_add_on_to"`
}

func (p *Product) UnmarshalJSON(data []byte) error {
	var alias productAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	lineID := alias.ProductLineID
	if lineID == "" {
		lineID = alias.CatalogID
	}
	*p = Product{
		DisplayName:   alias.DisplayName,
		CustomerType:  alias.CustomerType,
		ProductLineID: lineID,
		Stackable:     alias.Stackable,
		ServerOnly:    alias.ServerOnly,
		Prices:        alias.Prices,
		IncludedItems: alias.IncludedItems,
		IsAddOnTo:     alias.IsAddOnTo,
	}
	return nil
}

// IsRecurring reports whether any price renews on an interval. Products with
// no recurring price are one-time purchases and cannot be canceled.
func (p Product) IsRecurring() bool {
	for _, price := range p.Prices {
		if price.Interval != "" {
			return true
		}
	}
	return false
}

// ItemDefault is the quantity every customer holds without any purchase.
type ItemDefault struct {
	Quantity int64        `json:"quantity"`
	Repeat   Interval     `json:"repeat,omitempty"`
	Expires  ExpiryPolicy `json:"expires,omitempty"`
}

// Item is a metered resource definition. Balances are always derived from
// quantity changes, never stored on the item.
type Item struct {
	DisplayName  string       `json:"display_name"`
	CustomerType CustomerType `json:"customer_type"`
	Default      *ItemDefault `json:"default,omitempty"`
}

// ProductLine groups mutually exclusive products. A customer holds at most
// one non-stackable product per line.
type ProductLine struct {
	DisplayName string `json:"display_name"`
}

// Config is one tenancy's catalog plus its processor account binding.
type Config struct {
	StripeAccountID string                 `json:"stripe_account_id"`
	Products        map[string]Product     `json:"products"`
	Items           map[string]Item        `json:"items"`
	ProductLines    map[string]ProductLine `json:"product_lines"`
}

type configAlias struct {
	StripeAccountID string                 `json:"stripe_account_id"`
	Products        map[string]Product     `json:"products"`
	Items           map[string]Item        `json:"items"`
	ProductLines    map[string]ProductLine `json:"product_lines"`
	Catalogs        map[string]ProductLine `json:"catalogs"`
}

func (c *Config) UnmarshalJSON(data []byte) error {
	var alias configAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	lines := alias.ProductLines
	if len(lines) == 0 && len(alias.Catalogs) > 0 {
		lines = alias.Catalogs
	}
	*c = Config{
		StripeAccountID: alias.StripeAccountID,
		Products:        alias.Products,
		Items:           alias.Items,
		ProductLines:    lines,
	}
	return nil
}
