package customer

import (
	"github.com/veltis/entitled/internal/customer/repository"
	"github.com/veltis/entitled/internal/customer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("customer.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
