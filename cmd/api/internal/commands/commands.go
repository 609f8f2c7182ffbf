package commands

import (
	"github.com/rs/zerolog"

	"deskline/api/internal/config"
	"deskline/api/internal/logger"
)

type Globals struct {
	Debug   bool
	Version string
}

// setup loads configuration and builds the process logger. Debug overrides
// LOG_LEVEL.
func setup(globals *Globals) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	level := cfg.LogLevel
	if globals.Debug {
		level = "debug"
	}
	return cfg, logger.Setup(level, globals.Debug), nil
}
