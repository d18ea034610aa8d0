package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input string
		want  zapcore.Level
	}{
		{input: "debug", want: zapcore.DebugLevel},
		{input: " INFO ", want: zapcore.InfoLevel},
		{input: "", want: zapcore.InfoLevel},
		{input: "warning", want: zapcore.WarnLevel},
		{input: "error", want: zapcore.ErrorLevel},
		{input: "verbose", want: zapcore.InfoLevel},
	}
	for _, testCase := range testCases {
		if got := ParseLevel(testCase.input); got != testCase.want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", testCase.input, got, testCase.want)
		}
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected warn to be enabled")
	}
}
