package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "DEBUG", want: slog.LevelDebug},
		{in: " warn ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "trace", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseLevel(%q) error = nil", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseLevel(%q) = (%v, %v), want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestNewHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, "info", "json")
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	slog.New(h).Info("Node operational.", "role", "server")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "Node operational." || rec["role"] != "server" {
		t.Fatalf("record = %v", rec)
	}
}

func TestNewHandlerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, "warn", "text")
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	logger := slog.New(h)
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestNewHandlerRejectsFormat(t *testing.T) {
	if _, err := NewHandler(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatal("NewHandler() error = nil, want invalid format")
	}
}
