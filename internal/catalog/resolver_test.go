package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		Products: map[string]Product{
			"pro": {
				DisplayName:   "Pro",
				CustomerType:  CustomerTypeUser,
				ProductLineID: "plans",
				Prices: map[string]Price{
					"monthly": {UnitAmount: 1500, Currency: "usd", Interval: IntervalMonth},
				},
			},
			"internal": {
				DisplayName:  "Internal",
				CustomerType: CustomerTypeUser,
				ServerOnly:   true,
			},
		},
		Items: map[string]Item{
			"credits": {DisplayName: "Credits", CustomerType: CustomerTypeUser},
		},
	}
}

func TestResolveProductCatalogEntryWinsOverInline(t *testing.T) {
	cfg := testConfig()
	inline := &Product{DisplayName: "Shadow", CustomerType: CustomerTypeUser}

	product, id, err := ResolveProduct(cfg, AccessServer, "pro", inline)
	require.NoError(t, err)
	assert.Equal(t, "pro", id)
	assert.Equal(t, "Pro", product.DisplayName, "inline definition must not shadow a catalog entry")
}

func TestResolveProductInlineUnderUnknownID(t *testing.T) {
	cfg := testConfig()
	inline := &Product{DisplayName: "Custom Deal", CustomerType: CustomerTypeUser}

	product, id, err := ResolveProduct(cfg, AccessServer, "custom-deal", inline)
	require.NoError(t, err)
	assert.Equal(t, "custom-deal", id)
	assert.Equal(t, "Custom Deal", product.DisplayName)
}

func TestResolveProductInlineRequiresServerAccess(t *testing.T) {
	cfg := testConfig()
	inline := &Product{DisplayName: "Custom Deal", CustomerType: CustomerTypeUser}

	_, _, err := ResolveProduct(cfg, AccessClient, "", inline)
	assert.ErrorIs(t, err, ErrInlineServerOnly)
}

func TestResolveProductServerOnlyHiddenFromClients(t *testing.T) {
	cfg := testConfig()

	_, _, err := ResolveProduct(cfg, AccessClient, "internal", nil)
	var notExist *ProductDoesNotExistError
	require.True(t, errors.As(err, &notExist))

	product, _, err := ResolveProduct(cfg, AccessServer, "internal", nil)
	require.NoError(t, err)
	assert.Equal(t, "Internal", product.DisplayName)
}

func TestResolveProductReportsItemCollision(t *testing.T) {
	cfg := testConfig()

	_, _, err := ResolveProduct(cfg, AccessServer, "credits", nil)
	var notExist *ProductDoesNotExistError
	require.True(t, errors.As(err, &notExist))
	assert.True(t, notExist.ItemExists)
}

func TestResolveProductRequiresSomething(t *testing.T) {
	_, _, err := ResolveProduct(testConfig(), AccessServer, "", nil)
	assert.ErrorIs(t, err, ErrNoProductSpecified)
}

func TestEnsureCustomerTypes(t *testing.T) {
	cfg := testConfig()
	product := cfg.Products["pro"]

	assert.NoError(t, EnsureProductCustomerType(product, "pro", CustomerTypeUser))

	err := EnsureProductCustomerType(product, "pro", CustomerTypeTeam)
	var mismatch *CustomerTypeMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, CustomerTypeUser, mismatch.Expected)
	assert.Equal(t, CustomerTypeTeam, mismatch.Actual)

	item, err := ResolveItem(cfg, "credits")
	require.NoError(t, err)
	assert.NoError(t, EnsureItemCustomerType(item, "credits", CustomerTypeUser))
}
