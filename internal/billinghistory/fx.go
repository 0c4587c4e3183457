package billinghistory

import (
	"github.com/smallbiznis/creditledger/internal/billinghistory/repository"
	"github.com/smallbiznis/creditledger/internal/billinghistory/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billinghistory.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
