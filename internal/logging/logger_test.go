package logging

import (
	"bytes"
	"fmt"
	"testing"

	"crewwatch/internal/observability"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.add("DEBUG", format, args...) }
func (r *recordingLogger) Info(format string, args ...any)  { r.add("INFO", format, args...) }
func (r *recordingLogger) Warn(format string, args ...any)  { r.add("WARN", format, args...) }
func (r *recordingLogger) Error(format string, args ...any) { r.add("ERROR", format, args...) }

func (r *recordingLogger) add(level, format string, args ...any) {
	r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
}

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var typed *recordingLogger
	var logger Logger = typed
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world") // should not panic
}

func TestFromObservabilityFormatsMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	base := observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: "text",
		Output: buf,
	})

	logger := FromObservabilityWithComponent(base, "test")
	logger.Info("hello %s", "world")

	if want := "hello world"; !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Fatalf("expected %q in output, got %q", want, buf.String())
	}
	if want := "component=test"; !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Fatalf("expected %q in output, got %q", want, buf.String())
	}
}

func TestComponentLoggerUsesDefault(t *testing.T) {
	buf := &bytes.Buffer{}
	SetDefault(observability.NewLogger(observability.LogConfig{
		Level:  "debug",
		Format: "text",
		Output: buf,
	}))
	t.Cleanup(func() { SetDefault(nil) })

	NewComponentLogger("store").Warn("evicted %d records", 3)

	if !bytes.Contains(buf.Bytes(), []byte("evicted 3 records")) {
		t.Fatalf("expected formatted message, got %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("component=store")) {
		t.Fatalf("expected component attribute, got %q", buf.String())
	}
}

func TestMultiFlattensAndSkipsNil(t *testing.T) {
	first := &recordingLogger{}
	second := &recordingLogger{}
	var typedNil *recordingLogger

	logger := Multi(first, nil, typedNil, Multi(second))
	logger.Error("boom %d", 1)

	if len(first.lines) != 1 || first.lines[0] != "ERROR boom 1" {
		t.Fatalf("unexpected first logger output: %v", first.lines)
	}
	if len(second.lines) != 1 {
		t.Fatalf("unexpected second logger output: %v", second.lines)
	}
	if Multi() == nil {
		t.Fatalf("expected nop logger for empty fan-out")
	}
}
