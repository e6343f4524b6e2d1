package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	t.Parallel()

	for _, env := range []string{"dev", "prod", ""} {
		l, err := New(Config{Env: env, Level: "debug", Service: "users"})
		require.NoError(t, err, "env=%q", env)
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel), "env=%q", env)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestContext(t *testing.T) {
	t.Parallel()

	t.Run("格納したロガーを取り出せること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zapcore.InfoLevel)
		ctx := ToContext(context.Background(), zap.New(core))
		From(ctx).Info("hello")
		assert.Equal(t, 1, logs.Len())
	})

	t.Run("未格納ならNopロガーを返すこと", func(t *testing.T) {
		t.Parallel()

		assert.NotNil(t, From(context.Background()))
	})
}
