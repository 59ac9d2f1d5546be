package logging

import (
	"io"
	"os"
	"time"

	"github.com/dsr1111/toko-auction/shared/config"
	"github.com/rs/zerolog"
)

// New builds the service logger from LOG_LEVEL and LOG_PRETTY
func New(service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.GetEnv("LOG_LEVEL", "info"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stdout
	if config.GetEnvBool("LOG_PRETTY", false) {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
