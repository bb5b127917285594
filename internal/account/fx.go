package account

import (
	"github.com/formforge/formforge/internal/account/repository"
	"github.com/formforge/formforge/internal/account/service"
	"go.uber.org/fx"
)

var Module = fx.Module("account",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
