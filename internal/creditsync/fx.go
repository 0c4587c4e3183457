package creditsync

import "go.uber.org/fx"

var Module = fx.Module("credit.sync",
	fx.Provide(NewTriggers),
)
