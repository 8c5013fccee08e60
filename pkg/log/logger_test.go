package log

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": DebugLevel,
		"INFO":  InfoLevel,
		"warn":  WarnLevel,
		"error": ErrorLevel,
		"":      InfoLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("bogus"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestLoggerJSONOutput(t *testing.T) {
	var captured []byte
	logger := NewLogger(
		WithLevel(InfoLevel),
		WithFormatter(&JSONFormatter{}),
		WithOutput(captureOutput{dst: &captured}),
	)
	logger.Info("hello", Str("topic", "demo"), Int("n", 3))

	var decoded map[string]interface{}
	if err := json.Unmarshal(captured, &decoded); err != nil {
		t.Fatalf("decode: %v (raw=%s)", err, captured)
	}
	if decoded["msg"] != "hello" {
		t.Errorf("msg = %v", decoded["msg"])
	}
	fields, _ := decoded["fields"].(map[string]interface{})
	if fields["topic"] != "demo" {
		t.Errorf("fields.topic = %v", fields["topic"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var captured []byte
	logger := NewLogger(
		WithLevel(WarnLevel),
		WithFormatter(&TextFormatter{}),
		WithOutput(captureOutput{dst: &captured}),
	)
	logger.Info("should not appear")
	if len(captured) != 0 {
		t.Fatalf("expected info to be filtered, got %q", captured)
	}
	logger.Warn("should appear")
	if !strings.Contains(string(captured), "should appear") {
		t.Fatalf("expected warn line, got %q", captured)
	}
}

func TestWithComponentAddsField(t *testing.T) {
	var captured []byte
	logger := NewLogger(
		WithLevel(DebugLevel),
		WithFormatter(&JSONFormatter{}),
		WithOutput(captureOutput{dst: &captured}),
	).WithComponent("ingest")
	logger.Debug("x")
	var decoded map[string]interface{}
	if err := json.Unmarshal(captured, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	fields, _ := decoded["fields"].(map[string]interface{})
	if fields[ComponentKey] != "ingest" {
		t.Errorf("component field = %v", fields[ComponentKey])
	}
}

// captureOutput is a test double implementing Output.
type captureOutput struct {
	dst *[]byte
}

func (c captureOutput) Write(_ *Entry, formatted []byte) error {
	*c.dst = append(*c.dst, formatted...)
	return nil
}

func (c captureOutput) Close() error { return nil }
