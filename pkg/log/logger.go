package log

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger     Interface = NewZapWrappedLogger(zap.NewNop())
	loggerLock sync.RWMutex
)

// L returns the global logger. Components should call this once at
// startup and hold on to the result rather than calling L() on every
// log statement.
func L() Interface {
	loggerLock.RLock()
	defer loggerLock.RUnlock()
	return logger
}

// ReplaceGlobals swaps the global logger and returns a function that
// restores the previous one, mirroring zap.ReplaceGlobals.
func ReplaceGlobals(l Interface) func() {
	loggerLock.Lock()
	prev := logger
	logger = l
	loggerLock.Unlock()
	return func() { ReplaceGlobals(prev) }
}

// Settings configures the console logger. There is deliberately no
// network transport here (syslog, remote log shipping): lzcore's trust
// boundary ends at the console, and remote log transport is networking,
// which is out of scope for this core.
type Settings struct {
	Level       zapcore.Level
	Format      string // "console" or "json"
	Development bool
	// Trace, when false, makes every call a no-op. Trace output is
	// never part of the trust boundary, so turning it off must not
	// change any decision the boot-decision engine makes.
	Trace bool
}

// NewConsoleLogger builds a *zap.Logger writing to stderr, in the same
// style as a serial console on an embedded target.
func NewConsoleLogger(s Settings) (*zap.Logger, error) {
	if !s.Trace {
		return zap.NewNop(), nil
	}

	encoding := "console"
	encodeLevel := zapcore.CapitalColorLevelEncoder
	keyConvert := func(k string) string { return k }
	if strings.EqualFold(s.Format, "json") {
		encoding = "json"
		encodeLevel = zapcore.LowercaseLevelEncoder
		keyConvert = strings.ToLower
	}

	disableCaller := true
	disableStacktrace := true
	if s.Development {
		disableCaller = false
		disableStacktrace = false
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(s.Level),
		Development:       s.Development,
		DisableCaller:     disableCaller,
		DisableStacktrace: disableStacktrace,
		Encoding:          encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        keyConvert("T"),
			LevelKey:       keyConvert("L"),
			NameKey:        keyConvert("N"),
			CallerKey:      keyConvert("C"),
			MessageKey:     keyConvert("M"),
			StacktraceKey:  keyConvert("S"),
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

// Init builds and installs the global logger from Settings. It never
// returns an error for Trace: false since that path only constructs a
// no-op logger.
func Init(s Settings) error {
	zl, err := NewConsoleLogger(s)
	if err != nil {
		return err
	}
	ReplaceGlobals(NewZapWrappedLogger(zl))
	return nil
}
