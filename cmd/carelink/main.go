package main

import (
	"hash/fnv"
	"os"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/carelinkhq/carelink/internal/clock"
	"github.com/carelinkhq/carelink/internal/config"
	"github.com/carelinkhq/carelink/internal/dunning"
	"github.com/carelinkhq/carelink/internal/logger"
	"github.com/carelinkhq/carelink/internal/migration"
	"github.com/carelinkhq/carelink/internal/notification"
	"github.com/carelinkhq/carelink/internal/observability"
	"github.com/carelinkhq/carelink/internal/payment"
	"github.com/carelinkhq/carelink/internal/plan"
	"github.com/carelinkhq/carelink/internal/server"
	"github.com/carelinkhq/carelink/internal/subscription"
	"github.com/carelinkhq/carelink/internal/subscriptionevent"
	"github.com/carelinkhq/carelink/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Billing domains
		plan.Module,
		subscription.Module,
		subscriptionevent.Module,
		payment.Module,
		notification.Module,
		dunning.Module,

		server.Module,
	)
	app.Run()
}

// RegisterSnowflake derives the node id from the hostname so replicas in a
// deployment generate disjoint id ranges.
func RegisterSnowflake() (*snowflake.Node, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "carelink"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(hostname))
	return snowflake.NewNode(int64(h.Sum32() % 1024))
}
