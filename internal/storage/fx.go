package storage

import (
	"context"
	"fmt"

	"github.com/formforge/formforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewStore(cfg config.Config, log *zap.Logger) (Store, error) {
	switch cfg.Storage.Backend {
	case "", "local":
		return NewLocalStore(cfg.Storage.LocalDir)
	case "s3":
		store, err := NewS3Store(context.Background(), cfg.Storage)
		if err != nil {
			return nil, err
		}
		log.Info("using s3 artifact store", zap.String("bucket", cfg.Storage.S3Bucket))
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

var Module = fx.Module("storage",
	fx.Provide(NewStore),
)
