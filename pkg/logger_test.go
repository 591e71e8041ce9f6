package pkg

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{name: "default config", cfg: nil},
		{
			name: "json console",
			cfg: &Config{Level: "debug", Format: "json", Console: ConsoleConfig{Enable: true, Output: "stdout"}},
		},
		{
			name: "text console",
			cfg: &Config{Level: "info", Format: "console", Console: ConsoleConfig{Enable: true, Output: "stderr"}},
		},
		{
			name: "no writers falls back to io.Discard",
			cfg:  &Config{Level: "info", Format: "json"},
		},
		{
			name: "invalid level falls back to info instead of erroring",
			cfg:  &Config{Level: "not-a-level", Format: "json"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.NotPanics(t, func() { logger.Info().Msg("hello") })
		})
	}
}

func TestLoggerChainedAPI(t *testing.T) {
	logger, err := New(&Config{Level: "debug", Format: "json"})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		logger.Debug().Str("component", "test").Msg("debug message")
		logger.Info().Int("count", 42).Msg("info message")
		logger.Warn().Bool("retry", true).Msg("warn message")
		logger.Error().Err(errors.New("boom")).Msg("error message")
	})
}

func TestLoggerConcurrentUse(t *testing.T) {
	logger, err := New(nil)
	require.NoError(t, err)

	done := make(chan bool)
	for i := 0; i < 100; i++ {
		go func(id int) {
			defer func() { done <- true }()
			logger.Info().Int("goroutine", id).Msg("concurrent log")
		}(i)
	}
	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestWithFieldsCarriesAndExtendsParentFields(t *testing.T) {
	logger, err := New(&Config{Level: "info", Format: "json"})
	require.NoError(t, err)

	child := logger.WithFields(Fields{"component": "dhash"})
	grandchild := child.WithFields(Fields{"node_id": "abc123"})

	assert.NotPanics(t, func() { grandchild.Info().Msg("nested fields") })

	// The parent logger's own field set must be untouched by the child's.
	assert.Empty(t, logger.fields)
	assert.Equal(t, "dhash", child.fields["component"])
	assert.Equal(t, "dhash", grandchild.fields["component"])
	assert.Equal(t, "abc123", grandchild.fields["node_id"])
}

func TestFileOutput(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	logger, err := New(&Config{
		Level:   "info",
		Format:  "json",
		Console: ConsoleConfig{Enable: false},
		File: FileConfig{
			Enable:     true,
			Path:       logFile,
			MaxSize:    1,
			MaxAge:     7,
			MaxBackups: 3,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info().Msg("test message")

	_, err = os.Stat(logFile)
	assert.NoError(t, err, "log file should exist")
}

func TestConsoleAndFileTogether(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "both.log")

	logger, err := New(&Config{
		Level:   "debug",
		Format:  "json",
		Console: ConsoleConfig{Enable: true, Output: "stdout"},
		File:    FileConfig{Enable: true, Path: logFile, MaxSize: 1, MaxAge: 7, MaxBackups: 3},
	})
	require.NoError(t, err)

	logger.Info().Str("output", "both").Msg("test message to multiple outputs")

	_, err = os.Stat(logFile)
	assert.NoError(t, err, "log file should exist")
}

func TestCloseReleasesFieldsAndIsIdempotent(t *testing.T) {
	logger, err := New(nil)
	require.NoError(t, err)

	child := logger.WithFields(Fields{"component": "transport"})
	require.NoError(t, child.Close())
	assert.Nil(t, child.fields)
	require.NoError(t, child.Close())
}
