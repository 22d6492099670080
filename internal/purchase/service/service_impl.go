package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/internal/clock"
	"github.com/veltis/entitled/internal/config"
	customerdomain "github.com/veltis/entitled/internal/customer/domain"
	"github.com/veltis/entitled/internal/purchase/domain"
	subscriptiondomain "github.com/veltis/entitled/internal/subscription/domain"
	"github.com/veltis/entitled/internal/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// codeTTL is how long a minted purchase URL stays redeemable.
const codeTTL = 24 * time.Hour

var errMissingTenancy = errors.New("missing_tenancy")

// codeClaims is the signed content of a purchase code. The product itself is
// not embedded; it is looked up by the token id at validation time.
type codeClaims struct {
	TenancyID    string `json:"tenancy_id"`
	CustomerType string `json:"customer_type"`
	CustomerID   string `json:"customer_id"`
	jwt.RegisteredClaims
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       config.Config
	Repo         domain.Repository
	Catalog      catalog.Provider
	Customer     customerdomain.Service
	Subscription subscriptiondomain.Service
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	baseURL      string
	secret       []byte
	repo         domain.Repository
	catalog      catalog.Provider
	customer     customerdomain.Service
	subscription subscriptiondomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("purchase.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		baseURL:      p.Config.PurchaseBaseURL,
		secret:       []byte(p.Config.PurchaseCodeSecret),
		repo:         p.Repo,
		catalog:      p.Catalog,
		customer:     p.Customer,
		subscription: p.Subscription,
	}
}

func (s *Service) CreateURL(ctx context.Context, req domain.CreateURLRequest) (domain.CreateURLResult, error) {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return domain.CreateURLResult{}, errMissingTenancy
	}
	cfg, err := s.catalog.Catalog(ctx, tenancyID)
	if err != nil {
		return domain.CreateURLResult{}, err
	}

	product, productID, err := catalog.ResolveProduct(cfg, req.Access, req.ProductID, req.Product)
	if err != nil {
		return domain.CreateURLResult{}, err
	}
	if err := catalog.EnsureProductCustomerType(product, productID, req.CustomerType); err != nil {
		return domain.CreateURLResult{}, err
	}

	// Registering up front means the processor customer exists before the
	// purchase page ever loads.
	if _, err := s.customer.Ensure(ctx, customerdomain.EnsureRequest{
		AccountID:    cfg.StripeAccountID,
		CustomerType: req.CustomerType,
		CustomerID:   req.CustomerID,
	}); err != nil {
		return domain.CreateURLResult{}, err
	}

	snapshot, err := json.Marshal(product)
	if err != nil {
		return domain.CreateURLResult{}, err
	}

	now := s.clock.Now()
	expiresAt := now.Add(codeTTL)
	codeID := uuid.NewString()

	var idPtr *string
	if productID != "" {
		idPtr = &productID
	}
	if err := s.repo.Insert(ctx, s.db, &domain.PurchaseCode{
		ID:           s.genID.Generate(),
		TenancyID:    tenancyID,
		CodeID:       codeID,
		CustomerType: req.CustomerType.Storage(),
		CustomerID:   req.CustomerID,
		ProductID:    idPtr,
		Product:      snapshot,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
	}); err != nil {
		return domain.CreateURLResult{}, err
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, codeClaims{
		TenancyID:    tenancyID,
		CustomerType: req.CustomerType.Wire(),
		CustomerID:   req.CustomerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        codeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}).SignedString(s.secret)
	if err != nil {
		return domain.CreateURLResult{}, err
	}

	s.log.Info("purchase url created",
		zap.String("tenancy_id", tenancyID),
		zap.String("customer_id", req.CustomerID),
		zap.String("product_id", productID),
	)
	return domain.CreateURLResult{URL: s.baseURL + "/purchase/" + token}, nil
}

func (s *Service) ValidateCode(ctx context.Context, code string) (domain.ValidateCodeResult, error) {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return domain.ValidateCodeResult{}, errMissingTenancy
	}

	claims := &codeClaims{}
	_, err := jwt.ParseWithClaims(code, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.ValidateCodeResult{}, domain.ErrCodeExpired
		}
		return domain.ValidateCodeResult{}, domain.ErrCodeInvalid
	}
	// A valid signature from another tenancy is still not this tenancy's code.
	if claims.TenancyID != tenancyID || claims.ID == "" {
		return domain.ValidateCodeResult{}, domain.ErrCodeInvalid
	}

	row, err := s.repo.Find(ctx, s.db, tenancyID, claims.ID)
	if err != nil {
		return domain.ValidateCodeResult{}, err
	}
	if row == nil {
		return domain.ValidateCodeResult{}, domain.ErrCodeInvalid
	}
	if !s.clock.Now().Before(row.ExpiresAt) {
		return domain.ValidateCodeResult{}, domain.ErrCodeExpired
	}

	customerType, err := catalog.ParseCustomerType(row.CustomerType)
	if err != nil {
		return domain.ValidateCodeResult{}, domain.ErrCodeInvalid
	}

	// Products are re-resolved against the live catalog: a catalog-backed
	// code tracks edits made since minting, and dies with the entry.
	cfg, err := s.catalog.Catalog(ctx, tenancyID)
	if err != nil {
		return domain.ValidateCodeResult{}, err
	}
	var product catalog.Product
	productID := ""
	if row.ProductID != nil {
		productID = *row.ProductID
		resolved, ok := cfg.Products[productID]
		if !ok {
			return domain.ValidateCodeResult{}, &catalog.ProductDoesNotExistError{ProductID: productID}
		}
		product = resolved
	} else {
		if err := json.Unmarshal(row.Product, &product); err != nil {
			return domain.ValidateCodeResult{}, err
		}
	}

	owned, err := s.subscription.OwnedProducts(ctx, customerType, row.CustomerID)
	if err != nil {
		return domain.ValidateCodeResult{}, err
	}
	conflicting := make([]domain.ConflictingOwned, 0)
	for _, held := range owned {
		if !subscriptiondomain.Conflicts(product, productID, held) {
			continue
		}
		conflicting = append(conflicting, domain.ConflictingOwned{
			ProductID:   held.ProductID,
			DisplayName: held.Product.DisplayName,
			Recurring:   held.Recurring,
		})
	}

	used, err := s.repo.MarkUsed(ctx, s.db, tenancyID, claims.ID, s.clock.Now())
	if err != nil {
		return domain.ValidateCodeResult{}, err
	}
	if !used {
		return domain.ValidateCodeResult{}, domain.ErrCodeAlreadyUsed
	}

	return domain.ValidateCodeResult{
		ProductID:           row.ProductID,
		Product:             product,
		CustomerType:        customerType.Wire(),
		CustomerID:          row.CustomerID,
		ConflictingProducts: conflicting,
	}, nil
}
