package task

import (
	"go.uber.org/fx"
)

var Module = fx.Module("task.service",
	fx.Provide(NewService),
)

// Worker runs the scheduler and the maintenance handlers. It needs the asynq
// server mux.
var Worker = fx.Module("task.worker",
	fx.Provide(NewScheduler),
	fx.Invoke(Register, StartScheduler),
)

var HTTP = fx.Module("task.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
