package audit

import (
	"context"

	"github.com/formforge/formforge/internal/audit/domain"
	"github.com/formforge/formforge/internal/audit/repository"
	"github.com/formforge/formforge/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit",
	fx.Provide(
		repository.Provide,
		service.NewService,
		func(s *service.Service) domain.Service { return s },
	),
	fx.Invoke(registerHooks),
)

func registerHooks(lc fx.Lifecycle, s *service.Service) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = ctx
			s.Close()
			return nil
		},
	})
}
