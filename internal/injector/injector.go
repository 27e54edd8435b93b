//go:build wireinject
// +build wireinject

// Package injector declares wire injectors for the shared pieces of the
// engine, starting with the process logger used by the store, the gateways
// and the relay. The build tag keeps these stubs out of regular builds;
// running wire generates the real constructors.

package injector

import (
	"github.com/google/wire"

	"github.com/cartsync/cartsync/internal/core/observability/log"
)

// ProvideLogger assembles the process-wide logger.
func ProvideLogger() *log.Logger {
	wire.Build(log.Provide)
	return log.New(log.LevelDebug)
}
