package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "bridge"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	boom := errors.New("boom")
	logger.Error("failed", boom, LogFields{"subject": "foo"})

	child := logger.With(LogFields{"client_id": "abc"})
	child.Info("child", nil)

	logs := base.snapshot()
	if len(logs) != 5 {
		t.Fatalf("expected 5 log entries, got %d", len(logs))
	}
	if logs[0].level != "debug" || logs[0].fields["component"] != "bridge" {
		t.Fatalf("unexpected debug entry: %#v", logs[0])
	}
	if logs[1].fields != nil {
		t.Fatalf("expected nil fields for empty map, got %#v", logs[1].fields)
	}
	if logs[3].level != "error" || logs[3].err != boom {
		t.Fatalf("expected error entry with boom, got %#v", logs[3])
	}
	if logs[4].fields["client_id"] != "abc" {
		t.Fatalf("expected child fields to be applied, got %#v", logs[4].fields)
	}
}

func TestWithEmptyFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(newRecordingWatermillLogger())
	if logger.With(nil) != logger {
		t.Fatal("expected With(nil) to return the receiver")
	}
}

func TestSlogServiceLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Info("listener started", LogFields{"subjects": 3})
	if !strings.Contains(buf.String(), "listener started") {
		t.Fatalf("expected message in output, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "subjects=3") {
		t.Fatalf("expected field in output, got %q", buf.String())
	}
}

func TestComponent(t *testing.T) {
	base := newRecordingWatermillLogger()
	Component(NewWatermillServiceLogger(base), "sender").Info("hello", nil)

	logs := base.snapshot()
	if len(logs) != 1 || logs[0].fields["component"] != "sender" {
		t.Fatalf("expected component field, got %#v", logs)
	}

	Component(nil, "anything").Info("discarded", nil)
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assertPanics(t, func() { NewSlogServiceLogger(nil) })
	assertPanics(t, func() { NewWatermillServiceLogger(nil) })
}

func assertPanics(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic")
		}
	}()
	fn()
}

type recordedLog struct {
	level  string
	msg    string
	err    error
	fields watermill.LogFields
}

type recordingWatermillLogger struct {
	mu     *sync.Mutex
	logs   *[]recordedLog
	fields watermill.LogFields
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	return &recordingWatermillLogger{mu: &sync.Mutex{}, logs: &[]recordedLog{}}
}

func (r *recordingWatermillLogger) record(level, msg string, err error, fields watermill.LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var merged watermill.LogFields
	if len(r.fields) > 0 || len(fields) > 0 {
		merged = watermill.LogFields{}
		for k, v := range r.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	*r.logs = append(*r.logs, recordedLog{level: level, msg: msg, err: err, fields: merged})
}

func (r *recordingWatermillLogger) snapshot() []recordedLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedLog(nil), (*r.logs)...)
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record("error", msg, err, fields)
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record("info", msg, nil, fields)
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record("debug", msg, nil, fields)
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record("trace", msg, nil, fields)
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := watermill.LogFields{}
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingWatermillLogger{mu: r.mu, logs: r.logs, fields: merged}
}
