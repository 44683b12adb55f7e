// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"error":   Error,
		"Warning": Warning,
		"warn":    Warning,
		"":        Info,
		"DEBUG":   Debug,
	}
	for name, expected := range cases {
		level, err := ParseLevel(name)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", name, err)
		}
		if level != expected {
			t.Errorf("level for %q is %d, expected %d", name, level, expected)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("no error for unknown level")
	}
}

func TestJSONOutputCarriesCaller(t *testing.T) {
	buffer := &bytes.Buffer{}
	SetOutput(buffer, true)
	SetLoggingConfig(Info)
	log := GetLogger()
	log.Infof("connection %d closed", 7)
	log.Debug("filtered out")

	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected a single record, got %d: %q", len(lines), buffer.String())
	}
	record := map[string]any{}
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("record is not json: %v", err)
	}
	if record["message"] != "connection 7 closed" {
		t.Errorf("unexpected message %v", record["message"])
	}
	if caller, _ := record["caller"].(string); !strings.Contains(caller, "TestJSONOutputCarriesCaller") {
		t.Errorf("caller %q does not name the test", caller)
	}
}
