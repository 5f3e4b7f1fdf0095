// Package logging configures the process-wide zerolog logger.
//
// Components log through the global github.com/rs/zerolog/log logger; binaries
// call Configure once at startup and tests call ConfigureTests.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EnvLevel overrides the configured level when set.
const EnvLevel = "BIRDRPC_LOG_LEVEL"

type Profile int

const (
	// ProfileRuntime writes timestamped console lines at info.
	ProfileRuntime Profile = iota
	// ProfileTests writes debug lines without timestamps.
	ProfileTests
)

type Options struct {
	Profile Profile
	App     string
	Level   string // empty selects the profile default
	JSON    bool   // raw JSON lines instead of the console writer
	Out     io.Writer
}

// Configure installs the global logger and returns it.
func Configure(opts Options) (zerolog.Logger, error) {
	level, err := resolveLevel(opts)
	if err != nil {
		return zerolog.Nop(), err
	}
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer = out
	if !opts.JSON {
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		if opts.Profile == ProfileTests {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		w = cw
	}

	ctx := zerolog.New(w).Level(level).With()
	if opts.Profile == ProfileRuntime {
		ctx = ctx.Timestamp()
	}
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger, nil
}

var (
	runtimeOnce sync.Once
	testsOnce   sync.Once
)

// ConfigureRuntime configures the runtime profile for app. Only the first call
// has an effect; a bad level falls back to info with a warning.
func ConfigureRuntime(app, level string) {
	runtimeOnce.Do(func() {
		_, err := Configure(Options{Profile: ProfileRuntime, App: app, Level: level})
		if err != nil {
			Configure(Options{Profile: ProfileRuntime, App: app, Level: "info"})
			log.Warn().Err(err).Msg("falling back to info level")
		}
	})
}

// ConfigureTests configures the tests profile once per test binary.
func ConfigureTests() {
	testsOnce.Do(func() {
		if _, err := Configure(Options{Profile: ProfileTests}); err != nil {
			Configure(Options{Profile: ProfileTests, Level: "debug"})
		}
	})
}

func resolveLevel(opts Options) (zerolog.Level, error) {
	name := strings.TrimSpace(os.Getenv(EnvLevel))
	if name == "" {
		name = strings.TrimSpace(opts.Level)
	}
	if name == "" {
		if opts.Profile == ProfileTests {
			return zerolog.DebugLevel, nil
		}
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logging: bad level %q: %w", name, err)
	}
	return level, nil
}
