package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWithWriter_TextIncludesAppAndLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "mixrelayd", "warn", "text")

	logger.Info("hidden")
	logger.Warn("shown", "job_id", "abc")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered at warn level: %q", out)
	}
	if !strings.Contains(out, "app=mixrelayd") || !strings.Contains(out, "job_id=abc") {
		t.Errorf("expected app and job_id attributes, got %q", out)
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "mixrelay", "debug", "json")
	logger.Debug("polled", "attempt", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "polled" || rec["app"] != "mixrelay" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestValidate(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		if err := ValidateLevel(lvl); err != nil {
			t.Errorf("ValidateLevel(%q) = %v", lvl, err)
		}
	}
	if ValidateLevel("verbose") == nil {
		t.Error("expected error for unknown level")
	}
	if ValidateFormat("JSON") != nil || ValidateFormat("xml") == nil {
		t.Error("unexpected ValidateFormat result")
	}
}
