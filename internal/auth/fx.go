package auth

import (
	"github.com/smallbiznis/creditledger/internal/auth/oidc"
	"go.uber.org/fx"
)

var Module = fx.Module("auth",
	fx.Provide(oidc.New),
)
