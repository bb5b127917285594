package tier

import (
	"github.com/formforge/formforge/internal/tier/repository"
	"github.com/formforge/formforge/internal/tier/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tier",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
