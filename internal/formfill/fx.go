package formfill

import "go.uber.org/fx"

var Module = fx.Module("formfill",
	fx.Provide(func() Filler { return NewMarotoFiller() }),
)
