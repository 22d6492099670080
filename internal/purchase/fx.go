package purchase

import (
	"github.com/veltis/entitled/internal/purchase/repository"
	"github.com/veltis/entitled/internal/purchase/service"
	"go.uber.org/fx"
)

var Module = fx.Module("purchase.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
