package limits

import (
	"github.com/formforge/formforge/internal/limits/service"
	"go.uber.org/fx"
)

var Module = fx.Module("limits",
	fx.Provide(service.NewService),
)
