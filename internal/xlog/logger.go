// File: internal/xlog/logger.go
// Author: momentics <momentics@gmail.com>
//
// Structured logging setup shared by every package in this module.
// Grounded on piwi3910-nebulaio's cmd/nebulaio/main.go (zerolog.SetGlobalLevel,
// zerolog.ConsoleWriter{Out: os.Stderr} selected by a debug flag), adapted
// from a single global logger configured once at startup to a
// component-scoped constructor each package calls for its own
// zerolog.Logger.
package xlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// New builds a component-scoped logger. Output defaults to a human
// readable console writer; set IBVCONN_LOG_JSON=1 to emit raw JSON lines
// (the format a log shipper would consume in production).
func New(component string) zerolog.Logger {
	var w io.Writer = os.Stderr
	if os.Getenv("IBVCONN_LOG_JSON") == "" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(os.Getenv("IBVCONN_LOG_LEVEL")); err == nil {
		level = lv
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("component", component).Logger()
}
