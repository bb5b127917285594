package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/formforge/formforge/internal/account"
	"github.com/formforge/formforge/internal/audit"
	"github.com/formforge/formforge/internal/batch"
	"github.com/formforge/formforge/internal/clock"
	"github.com/formforge/formforge/internal/config"
	"github.com/formforge/formforge/internal/formfill"
	"github.com/formforge/formforge/internal/ledger"
	"github.com/formforge/formforge/internal/limits"
	"github.com/formforge/formforge/internal/logger"
	"github.com/formforge/formforge/internal/migration"
	"github.com/formforge/formforge/internal/observability/metrics"
	"github.com/formforge/formforge/internal/packager"
	"github.com/formforge/formforge/internal/ratelimit"
	"github.com/formforge/formforge/internal/server"
	"github.com/formforge/formforge/internal/storage"
	"github.com/formforge/formforge/internal/tier"
	"github.com/formforge/formforge/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		metrics.Module,
		storage.Module,
		ratelimit.Module,

		// Functional domains
		tier.Module,
		account.Module,
		audit.Module,
		ledger.Module,
		limits.Module,
		formfill.Module,
		packager.Module,
		batch.Module,

		migration.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
