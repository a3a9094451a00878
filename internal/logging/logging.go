// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Init sets the global zerolog logger to the given level, writing to
// os.Stdout: human-readable console output when pretty is true, JSON lines
// otherwise.
func Init(level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}
	zerolog.SetGlobalLevel(lvl)
	log := zerolog.New(w).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log
	setGlobal(log)
}

var global zerolog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

func setGlobal(l zerolog.Logger) { global = l }

// L returns the process-wide logger.
func L() *zerolog.Logger { return &global }
