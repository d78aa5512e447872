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
		{input: " WARNING ", want: zapcore.WarnLevel},
		{input: "warn", want: zapcore.WarnLevel},
		{input: "error", want: zapcore.ErrorLevel},
		{input: "", want: zapcore.InfoLevel},
		{input: "verbose", want: zapcore.InfoLevel},
	}
	for _, testCase := range testCases {
		if got := ParseLevel(testCase.input); got != testCase.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", testCase.input, got, testCase.want)
		}
	}
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	for _, encoding := range []string{"json", "console"} {
		logger, err := NewLogger("warn", encoding)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", encoding, err)
		}
		if logger.Core().Enabled(zapcore.InfoLevel) {
			t.Fatalf("%s: expected info to be disabled", encoding)
		}
		if !logger.Core().Enabled(zapcore.WarnLevel) {
			t.Fatalf("%s: expected warn to be enabled", encoding)
		}
	}
}
