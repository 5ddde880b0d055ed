package pipemsg

import (
	"log/slog"
	"sync"
	"testing"
)

func TestLogger_Interface(t *testing.T) {
	// Verify that *slog.Logger and NopLogger implement our Logger interface
	var _ Logger = slog.Default()
	var _ Logger = NopLogger{}
}

func TestDefaultLogger(t *testing.T) {
	logger := defaultLogger()

	if logger == nil {
		t.Fatal("defaultLogger returned nil")
	}

	if logger != slog.Default() {
		t.Error("defaultLogger did not return slog.Default()")
	}
}

func TestNopLogger_Methods(t *testing.T) {
	var logger Logger = NopLogger{}

	// These should not panic
	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")
}

// mockLogger records the messages logged to it.
type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *mockLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *mockLogger) Debug(msg string, args ...any) { l.record(msg) }
func (l *mockLogger) Info(msg string, args ...any)  { l.record(msg) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.record(msg) }
func (l *mockLogger) Error(msg string, args ...any) { l.record(msg) }

func (l *mockLogger) logged(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if m == msg {
			return true
		}
	}
	return false
}

func TestLogger_CustomImplementation(t *testing.T) {
	mock := &mockLogger{}
	var logger Logger = mock

	logger.Debug("test debug", "key1", "value1")
	logger.Warn("test warn", "key3", "value3")

	if !mock.logged("test debug") {
		t.Error("Debug not recorded")
	}
	if !mock.logged("test warn") {
		t.Error("Warn not recorded")
	}
	if mock.logged("test info") {
		t.Error("Info recorded without being called")
	}
}
