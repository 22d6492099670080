package catalog

import "fmt"

// ProductDoesNotExistError reports an unknown product id. ItemExists is set
// when an item of the same id exists, a common configuration mix-up.
type ProductDoesNotExistError struct {
	ProductID  string
	ItemExists bool
}

func (e *ProductDoesNotExistError) Error() string {
	if e.ItemExists {
		return fmt.Sprintf("product %q does not exist (an item with this id exists; did you mean to reference the item?)", e.ProductID)
	}
	return fmt.Sprintf("product %q does not exist", e.ProductID)
}

type ItemDoesNotExistError struct {
	ItemID string
}

func (e *ItemDoesNotExistError) Error() string {
	return fmt.Sprintf("item %q does not exist", e.ItemID)
}

// CustomerTypeMismatchError carries both sides of a customer-type check so
// callers can render a precise diagnostic.
type CustomerTypeMismatchError struct {
	Kind     string // "product" or "item"
	ID       string
	Expected CustomerType
	Actual   CustomerType
}

func (e *CustomerTypeMismatchError) Error() string {
	return fmt.Sprintf("%s %q is for customer type %q, not %q", e.Kind, e.ID, e.Expected, e.Actual)
}
