package catalog

import "errors"

var (
	ErrNoProductSpecified = errors.New("no_product_specified")
	ErrInlineServerOnly   = errors.New("inline_product_server_only")
)

// AccessType distinguishes client calls from server/admin calls. Inline
// products and server-only catalog entries require server access.
type AccessType string

const (
	AccessClient AccessType = "client"
	AccessServer AccessType = "server"
	AccessAdmin  AccessType = "admin"
)

// ResolveProduct resolves a product id and/or inline definition against the
// catalog. A catalog entry of the given id always wins; an inline definition
// is only accepted when no catalog entry of that id exists, so an inline
// payload can never shadow configured products. The returned id is empty for
// purely inline products.
func ResolveProduct(cfg *Config, access AccessType, productID string, inline *Product) (Product, string, error) {
	if productID == "" && inline == nil {
		return Product{}, "", ErrNoProductSpecified
	}
	if inline != nil && access == AccessClient {
		return Product{}, "", ErrInlineServerOnly
	}

	if productID != "" {
		if product, ok := cfg.Products[productID]; ok {
			if product.ServerOnly && access == AccessClient {
				return Product{}, "", &ProductDoesNotExistError{ProductID: productID}
			}
			return product, productID, nil
		}
		if inline == nil {
			_, itemExists := cfg.Items[productID]
			return Product{}, "", &ProductDoesNotExistError{ProductID: productID, ItemExists: itemExists}
		}
		// No catalog entry of this id; the inline definition applies under it.
		return *inline, productID, nil
	}

	return *inline, "", nil
}

// ResolveItem resolves an item id against the catalog.
func ResolveItem(cfg *Config, itemID string) (Item, error) {
	item, ok := cfg.Items[itemID]
	if !ok {
		return Item{}, &ItemDoesNotExistError{ItemID: itemID}
	}
	return item, nil
}

// EnsureProductCustomerType validates that the product applies to the
// caller's target customer type.
func EnsureProductCustomerType(product Product, productID string, actual CustomerType) error {
	if product.CustomerType != actual {
		return &CustomerTypeMismatchError{
			Kind:     "product",
			ID:       productID,
			Expected: product.CustomerType,
			Actual:   actual,
		}
	}
	return nil
}

// EnsureItemCustomerType validates that the item applies to the caller's
// target customer type.
func EnsureItemCustomerType(item Item, itemID string, actual CustomerType) error {
	if item.CustomerType != actual {
		return &CustomerTypeMismatchError{
			Kind:     "item",
			ID:       itemID,
			Expected: item.CustomerType,
			Actual:   actual,
		}
	}
	return nil
}
