package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	output io.Writer = os.Stdout
	level            = zerolog.InfoLevel
)

// Configure sets the process-wide log level and output format. APP_ENV=dev
// selects a human readable console writer.
func Configure(env, lvl string) {
	mu.Lock()
	defer mu.Unlock()

	if strings.EqualFold(env, "dev") {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	} else {
		output = os.Stdout
	}
	if parsed, err := zerolog.ParseLevel(strings.ToLower(lvl)); err == nil && lvl != "" {
		level = parsed
	}
}

// New returns a logger tagged with the given component.
func New(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return zerolog.New(output).Level(level).With().Timestamp().Str("component", component).Logger()
}

// Nop discards everything. Used by tests and optional collaborators.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
