package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/veltis/entitled/internal/catalog"
	"github.com/veltis/entitled/internal/clock"
	"github.com/veltis/entitled/internal/config"
	"github.com/veltis/entitled/internal/customer"
	"github.com/veltis/entitled/internal/ledger"
	"github.com/veltis/entitled/internal/logger"
	"github.com/veltis/entitled/internal/migration"
	"github.com/veltis/entitled/internal/processor"
	"github.com/veltis/entitled/internal/purchase"
	"github.com/veltis/entitled/internal/server"
	"github.com/veltis/entitled/internal/subscription"
	"github.com/veltis/entitled/internal/syncengine"
	"github.com/veltis/entitled/internal/transaction"
	"github.com/veltis/entitled/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		catalog.Module,
		processor.Module,
		customer.Module,
		ledger.Module,
		subscription.Module,
		syncengine.Module,
		purchase.Module,
		transaction.Module,

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
