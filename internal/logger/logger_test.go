package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want zerolog.Level
	}{
		{"default", Config{}, zerolog.InfoLevel},
		{"explicit", Config{Level: "warn"}, zerolog.WarnLevel},
		{"debug wins", Config{Level: "error", Debug: true}, zerolog.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, closer, err := New(tt.cfg)
			require.NoError(t, err)
			defer closer.Close()
			assert.Equal(t, tt.want, l.GetLevel())
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, closer, err := New(Config{Level: "loud"})
	require.Error(t, err)
	assert.NotNil(t, closer)
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "amrc.log")

	l, closer, err := New(Config{Output: path, MaxSizeMB: 1})
	require.NoError(t, err)

	WithComponent(l, "test").Info().Msg("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), `"message":"hello"`)
}
