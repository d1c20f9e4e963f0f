package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func TestSetup(t *testing.T) {
	// Reset the global logger for the test.
	logger = nil
	once = *new(sync.Once)

	Setup("DEBUG", "json")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected DEBUG level to be enabled")
	}
}

func TestSetupInvalidValuesFallBack(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	Setup("bogus", "bogus")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Invalid level should fall back to INFO")
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("INFO should be enabled after fallback")
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	l2 := WithComponent("test-comp")
	l2.Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}

	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithJob(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	l2 := WithJob(3)
	l2.Info("job msg")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}

	// JSON numbers decode as float64.
	if out["job_id"] != float64(3) {
		t.Errorf("Expected job_id 3, got %v", out["job_id"])
	}
}
