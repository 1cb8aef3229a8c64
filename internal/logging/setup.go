// Package logging configures the global zerolog logger.
package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup applies the configured log level to the global logger. An
// unparseable level falls back to info rather than failing startup.
func Setup(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
		log.Warn().Str("invalid_level", level).Msg("Invalid log level, using info")
	}
	zerolog.SetGlobalLevel(lvl)
}
