package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields attached to a log entry via WithFields.
type Fields map[string]any

var (
	// sync.Once guards for zerolog's package-level globals, set at most
	// once regardless of how many *Logger instances New constructs.
	timeFormatOnce sync.Once
	stackOnce      sync.Once
	callerSkipOnce sync.Once

	fieldPool = &sync.Pool{
		New: func() any { return make(Fields, 4) },
	}
)

// Logger wraps zerolog.Logger with a pool-backed WithFields for attaching
// per-component context (node id, peer address) without an allocation per
// call site.
type Logger struct {
	*zerolog.Logger
	config *Config
	fields Fields
	mu     sync.RWMutex
}

// Config holds logger configuration. Every ring peer builds one Logger at
// startup (cmd/ringvaultd) and threads it explicitly through chord.Node,
// dhash.Node, transport.Client/Server, and api.WebSocketHub — there is no
// package-level global logger.
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal, panic)
	Level string `json:"level" yaml:"level"`

	// Format is the output format (json, console)
	Format string `json:"format" yaml:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format" yaml:"timestamp_format"`

	// Console output settings
	Console ConsoleConfig `json:"console" yaml:"console"`

	// File output settings; Enable turns on lumberjack-rotated file logging
	// alongside (or instead of) the console writer.
	File FileConfig `json:"file" yaml:"file"`

	// Sampling reduces log volume under heavy stabilize/maintenance churn.
	Sampling SamplingConfig `json:"sampling" yaml:"sampling"`

	// CallerSkipFrameCount for caller information
	CallerSkipFrameCount int `json:"caller_skip_frame_count" yaml:"caller_skip_frame_count"`

	// EnableCaller adds caller information to logs
	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`

	// EnableStackTrace for error logs
	EnableStackTrace bool `json:"enable_stack_trace" yaml:"enable_stack_trace"`

	// AsyncWrite uses a diode writer so a slow disk/console never blocks
	// the stabilize/maintenance loop that's doing the logging.
	AsyncWrite bool `json:"async_write" yaml:"async_write"`

	// BufferSize for async writer (in bytes)
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	NoColor    bool   `json:"no_color" yaml:"no_color"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
	Output     string `json:"output" yaml:"output"` // stdout, stderr
}

// FileConfig for file output
type FileConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	Path       string `json:"path" yaml:"path"`
	MaxSize    int    `json:"max_size" yaml:"max_size"` // megabytes
	MaxAge     int    `json:"max_age" yaml:"max_age"`   // days
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	LocalTime  bool   `json:"local_time" yaml:"local_time"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// SamplingConfig for log sampling
type SamplingConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	Initial    uint32 `json:"initial" yaml:"initial"`
	Thereafter uint32 `json:"thereafter" yaml:"thereafter"`
}

// DefaultConfig returns the reference logger configuration: console-only,
// no sampling, caller info and stack traces on.
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "json",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			NoColor:    false,
			TimeFormat: "15:04:05.000",
			Output:     "stdout",
		},
		File: FileConfig{
			Enable:     false,
			Path:       "ringvault.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			LocalTime:  true,
			Compress:   true,
		},
		Sampling: SamplingConfig{
			Enable:     false,
			Initial:    100,
			Thereafter: 100,
		},
		CallerSkipFrameCount: 2,
		EnableCaller:         true,
		EnableStackTrace:     true,
		AsyncWrite:           false,
		BufferSize:           10000,
	}
}

// New builds a Logger from config. A nil config is equivalent to DefaultConfig().
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer

	if config.Console.Enable {
		var output io.Writer
		switch config.Console.Output {
		case "stderr":
			output = os.Stderr
		default:
			output = os.Stdout
		}

		if config.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			})
		} else {
			writers = append(writers, output)
		}
	}

	if config.File.Enable {
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  config.File.LocalTime,
			Compress:   config.File.Compress,
		})
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		writer = diode.NewWriter(writer, config.BufferSize, time.Second, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
	}

	// zerolog.CallerSkipFrameCount and the error-stack/time-format globals
	// are process-wide; set them once no matter how many Loggers get built
	// (every ring peer in a test harness shares the same process).
	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = config.CallerSkipFrameCount
		})
	}

	ctx := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		ctx = ctx.Caller()
	}

	if config.EnableStackTrace {
		stackOnce.Do(func() {
			zerolog.ErrorStackMarshaler = func(err error) any {
				return fmt.Sprintf("%+v", err)
			}
		})
	}

	var zl zerolog.Logger
	if config.Sampling.Enable {
		zl = ctx.Logger().Sample(&zerolog.BasicSampler{N: config.Sampling.Initial})
	} else {
		zl = ctx.Logger()
	}

	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	return &Logger{Logger: &zl, config: config, fields: make(Fields)}, nil
}

// WithFields returns a child logger carrying fields in addition to whatever
// this logger already carries — used to pin a component/node-id tag onto
// every subsequent log line from a chord.Node, dhash.Node, or transport peer.
func (l *Logger) WithFields(fields Fields) *Logger {
	newFields := fieldPool.Get().(Fields)

	l.mu.RLock()
	for k, v := range l.fields {
		newFields[k] = v
	}
	baseLogger := l.Logger
	l.mu.RUnlock()

	for k, v := range fields {
		newFields[k] = v
	}

	ctx := baseLogger.With()
	for k, v := range newFields {
		ctx = ctx.Interface(k, v)
	}

	zl := ctx.Logger()
	return &Logger{Logger: &zl, config: l.config, fields: newFields}
}

// Close releases this logger's field map back to the pool.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.fields) > 0 {
		for k := range l.fields {
			delete(l.fields, k)
		}
		fieldPool.Put(l.fields)
		l.fields = nil
	}
	return nil
}
