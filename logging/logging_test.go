package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("debug", &buf)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	log.Debug("hello")
	_ = log.Sync()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected a JSON line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", entry["msg"])
	}
	if entry["level"] != "DEBUG" {
		t.Errorf("Expected level 'DEBUG', got %v", entry["level"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("Expected a timestamp field")
	}
}

func TestNewWithWriter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("", &buf)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	log.Debug("hidden")
	_ = log.Sync()
	if buf.Len() != 0 {
		t.Errorf("Expected debug suppressed at the default level, got %q", buf.String())
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New("loud"); err == nil {
		t.Error("Expected error for invalid level")
	}
}
