package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/internal/clock"
	"github.com/veltis/entitled/internal/customer/domain"
	"github.com/veltis/entitled/internal/processor"
	"github.com/veltis/entitled/internal/tenantctx"
	pkgdb "github.com/veltis/entitled/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      domain.Repository
	Processor processor.Client
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	processor processor.Client
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("customer.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		processor: p.Processor,
	}
}

func (s *Service) Ensure(ctx context.Context, req domain.EnsureRequest) (domain.Customer, error) {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return domain.Customer{}, domain.ErrNotFound
	}
	if err := validateCustomerID(req.CustomerType, req.CustomerID); err != nil {
		return domain.Customer{}, err
	}

	storageType := req.CustomerType.Storage()
	existing, err := s.repo.Find(ctx, s.db, tenancyID, storageType, req.CustomerID)
	if err != nil {
		return domain.Customer{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	// The processor is the source of truth for customer records; reuse one
	// created by an earlier, partially-failed attempt before minting a new one.
	remote, err := s.processor.FindCustomer(ctx, req.AccountID, req.CustomerID, storageType)
	if err != nil {
		return domain.Customer{}, err
	}
	if remote == nil {
		created, err := s.processor.CreateCustomer(ctx, req.AccountID, map[string]string{
			processor.MetaTenancyID:    tenancyID,
			processor.MetaCustomerID:   req.CustomerID,
			processor.MetaCustomerType: storageType,
		})
		if err != nil {
			return domain.Customer{}, err
		}
		remote = &created
	}

	customer := domain.Customer{
		ID:               s.genID.Generate(),
		TenancyID:        tenancyID,
		CustomerType:     storageType,
		CustomerID:       req.CustomerID,
		StripeCustomerID: remote.ID,
		CreatedAt:        s.clock.Now(),
	}
	if err := s.repo.Insert(ctx, s.db, &customer); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			// Lost the race against a concurrent first purchase; the winning
			// row is authoritative (one processor customer per logical customer).
			winner, findErr := s.repo.Find(ctx, s.db, tenancyID, storageType, req.CustomerID)
			if findErr != nil {
				return domain.Customer{}, findErr
			}
			if winner != nil {
				return *winner, nil
			}
		}
		return domain.Customer{}, err
	}

	s.log.Info("customer registered",
		zap.String("tenancy_id", tenancyID),
		zap.String("customer_type", storageType),
		zap.String("customer_id", req.CustomerID),
		zap.String("stripe_customer_id", remote.ID),
	)
	return customer, nil
}

func (s *Service) Get(ctx context.Context, customerType catalog.CustomerType, customerID string) (domain.Customer, error) {
	tenancyID, ok := tenantctx.TenancyIDFromContext(ctx)
	if !ok {
		return domain.Customer{}, domain.ErrNotFound
	}
	customer, err := s.repo.Find(ctx, s.db, tenancyID, customerType.Storage(), customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	if customer == nil {
		return domain.Customer{}, domain.ErrNotFound
	}
	return *customer, nil
}

// user and team ids come from the identity platform and are always UUIDs;
// custom customer ids are opaque.
func validateCustomerID(customerType catalog.CustomerType, customerID string) error {
	switch customerType {
	case catalog.CustomerTypeUser, catalog.CustomerTypeTeam:
		if _, err := uuid.Parse(customerID); err != nil {
			return domain.ErrInvalidCustomerID
		}
	}
	if customerID == "" {
		return domain.ErrInvalidCustomerID
	}
	return nil
}
