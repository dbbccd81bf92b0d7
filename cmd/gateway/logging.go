package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"tripp/gateway/internal/config"
)

// setupLogging configures the global zerolog logger. The returned func
// closes the rotating file, if any.
func setupLogging(cfg config.LoggingCfg) func() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var out io.Writer = os.Stdout
	if cfg.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var file *lumberjack.Logger
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			log.Warn().Err(err).Str("file", cfg.File).Msg("log directory unavailable, logging to stdout only")
		} else {
			file = &lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				Compress:   true,
			}
			out = zerolog.MultiLevelWriter(out, file)
		}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Str("service", "tripp-gateway").Logger()
	return func() {
		if file != nil {
			_ = file.Close()
		}
	}
}
