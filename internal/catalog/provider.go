package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/veltis/entitled/internal/config"
	"go.uber.org/fx"
)

var ErrTenancyNotConfigured = errors.New("tenancy_not_configured")

// Provider resolves a tenancy's catalog. Implementations must treat the
// returned Config as immutable.
type Provider interface {
	Catalog(ctx context.Context, tenancyID string) (*Config, error)
}

// StaticProvider serves a fixed map of tenancy id to catalog.
type StaticProvider map[string]*Config

func (p StaticProvider) Catalog(_ context.Context, tenancyID string) (*Config, error) {
	cfg, ok := p[tenancyID]
	if !ok {
		return nil, ErrTenancyNotConfigured
	}
	return cfg, nil
}

// NewFileProvider loads the catalog file once at startup. The file maps
// tenancy ids to catalog configs.
func NewFileProvider(appCfg config.Config) (Provider, error) {
	raw, err := os.ReadFile(appCfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", appCfg.CatalogPath, err)
	}

	var byTenancy map[string]*Config
	if err := json.Unmarshal(raw, &byTenancy); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", appCfg.CatalogPath, err)
	}
	return StaticProvider(byTenancy), nil
}

// Module wires the file-backed catalog provider.
var Module = fx.Module("catalog",
	fx.Provide(NewFileProvider),
)
