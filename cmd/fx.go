package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/andonworks/opcua-runtime/config"
	"github.com/andonworks/opcua-runtime/internal/opcua/coordinator"
)

// ProvideLogger builds the structured logger every component constructor
// takes, mirroring the teacher's logger-first constructor convention.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// NewApp builds the fx application. coordinator.Module supplies a complete,
// runnable default graph (the generic subject model, §1's out-of-scope
// attribute-mapping DSL replaced with pure dynamic-property discovery); a
// host embedding this runtime with its own domain model overrides the
// relevant coordinator providers via fx.Decorate in a module composed
// alongside this one.
func NewApp(cfg *config.Config, v *viper.Viper) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			func() *viper.Viper { return v },
			ProvideLogger,
		),
		coordinator.Module,
	)
}
