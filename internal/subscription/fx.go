package subscription

import (
	"github.com/veltis/entitled/internal/subscription/repository"
	"github.com/veltis/entitled/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
