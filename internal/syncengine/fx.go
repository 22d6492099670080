package syncengine

import "go.uber.org/fx"

var Module = fx.Module("syncengine.service",
	fx.Provide(NewService),
)
