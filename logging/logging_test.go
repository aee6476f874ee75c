package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	return m
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  bolt.Level
	}{
		{"trace", bolt.TRACE},
		{"debug", bolt.DEBUG},
		{"INFO", bolt.INFO},
		{"warn", bolt.WARN},
		{"error", bolt.ERROR},
		{"bogus", bolt.INFO},
	}
	for _, tc := range tests {
		if got := parseLevel(tc.input); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestFieldsAreWritten(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Config{Level: "debug", Format: "json", Output: buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Info().
		Add(ContractID("c-1")).
		Add(EventID("e-1")).
		Add(Action("send-email")).
		Add(Transition("PHASE", "ACTIVE", "COMPLETED")).
		Add(Attempt(2, 3)).
		Add(Duration(1500 * time.Millisecond)).
		Add(ErrorField(errors.New("boom"))).
		Msg("dispatched")

	line := decodeLine(t, buf)
	want := map[string]any{
		"contract_id": "c-1",
		"event_id":    "e-1",
		"action":      "send-email",
		"entity":      "PHASE",
		"from":        "ACTIVE",
		"to":          "COMPLETED",
	}
	for k, v := range want {
		if line[k] != v {
			t.Errorf("%s = %v, want %v", k, line[k], v)
		}
	}
	if line["retry_count"] != float64(2) || line["max_retries"] != float64(3) {
		t.Errorf("attempt fields = %v/%v", line["retry_count"], line["max_retries"])
	}
	if line["duration_ms"] != float64(1500) {
		t.Errorf("duration_ms = %v", line["duration_ms"])
	}
}

func TestLevelFilters(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Config{Level: "warn", Format: "json", Output: buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	Warn().Add(Component("dispatch")).Msg("shown")
	if line := decodeLine(t, buf); line["component"] != "dispatch" {
		t.Fatalf("component = %v", line["component"])
	}
}

func TestNilErrorFieldIsNoop(t *testing.T) {
	buf := &bytes.Buffer{}
	Init(Config{Level: "info", Format: "json", Output: buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Error().Add(ErrorField(nil)).Msg("no error")
	if line := decodeLine(t, buf); line["error"] != nil {
		t.Fatalf("unexpected error field %v", line["error"])
	}
}
