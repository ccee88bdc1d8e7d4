package logging

import (
	"testing"

	"github.com/zulandar/atlasfeed/internal/config"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		cfg  config.LogConfig
		want zapcore.Level
	}{
		{config.LogConfig{Level: "debug", Format: "console"}, zapcore.DebugLevel},
		{config.LogConfig{Level: "info", Format: "json"}, zapcore.InfoLevel},
		{config.LogConfig{Level: "warn", Format: "console"}, zapcore.WarnLevel},
		{config.LogConfig{Level: "error", Format: "json"}, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		logger, err := New(tt.cfg)
		if err != nil {
			t.Fatalf("New(%+v): %v", tt.cfg, err)
		}
		if !logger.Core().Enabled(tt.want) {
			t.Errorf("New(%+v): level %v not enabled", tt.cfg, tt.want)
		}
		if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
			t.Errorf("New(%+v): level below %v should be disabled", tt.cfg, tt.want)
		}
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
}
