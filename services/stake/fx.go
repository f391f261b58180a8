package stake

import (
	"go.uber.org/fx"
)

var Module = fx.Module("stake.service",
	fx.Provide(NewAggregateCache, NewService),
)

var SchedulerModule = fx.Module("stake.scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(StartScheduler),
)
