package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"INFO", zapcore.InfoLevel},
		{" warn ", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"chatty", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	l := InitCLILogger("clipforge", false)
	assert.Same(t, l, CLILogger)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))

	l = InitCLILogger("clipforge", true)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestInitServerLogger(t *testing.T) {
	orig := ServerLogger
	defer func() { ServerLogger = orig }()

	l := InitServerLogger("clipforge", "warn")
	assert.Same(t, l, ServerLogger)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	assert.NotPanics(t, Sync)
}
