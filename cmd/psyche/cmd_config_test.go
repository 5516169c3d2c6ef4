package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintValuesFiltersByPrefix(t *testing.T) {
	values := map[string]any{
		"wits.moment.threshold":  3.0,
		"wits.quick.threshold":   1.0,
		"witness":                "no",
		"debug.labels":           []any{"Quick", "Will"},
		"telegram.chat_id":       0.0,
		"voice.system_prompt":    nil,
		"wits.moment.interval_s": 5.0,
	}

	var buf bytes.Buffer
	if err := printValues(&buf, values, "wits"); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 wits lines, got %q", buf.String())
	}
	if !strings.HasPrefix(lines[0], "wits.moment.interval_s") || !strings.HasPrefix(lines[2], "wits.quick.threshold") {
		t.Errorf("expected sorted keys, got %q", lines)
	}

	buf.Reset()
	if err := printValues(&buf, values, ""); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `["Quick","Will"]`) || !strings.Contains(buf.String(), "null") {
		t.Errorf("expected JSON lists and null, got %q", buf.String())
	}

	if err := printValues(&buf, values, "nope"); err == nil {
		t.Error("expected error for unknown prefix")
	}
}
