package chainsync

import (
	"go.uber.org/fx"
)

var Module = fx.Module("chainsync.service",
	fx.Provide(NewService),
)
