package batch

import (
	"github.com/formforge/formforge/internal/batch/service"
	"go.uber.org/fx"
)

var Module = fx.Module("batch",
	fx.Provide(service.NewService),
)
