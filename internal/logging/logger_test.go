package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestTextLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Warn, Text, &buf)
	l.Info("hidden")
	l.Warn("shown", Field{Key: "channel", Value: 3})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] shown channel=3") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestJSONLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Debug, JSON, &buf).With(Component("session"))
	l.Error("apply failed", Err(errors.New("link down")), Err(nil))

	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if payload["component"] != "session" || payload["error"] != "link down" || payload["level"] != "ERROR" {
		t.Fatalf("unexpected payload %#v", payload)
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	if lvl, err := ParseLevel("warning"); err != nil || lvl != Warn {
		t.Fatalf("ParseLevel(warning) = %v, %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if f, err := ParseFormat("JSON"); err != nil || f != JSON {
		t.Fatalf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if _, err := FromStrings("info", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestDefaultIsNeverNil(t *testing.T) {
	if Default() == nil {
		t.Fatalf("default logger should be initialised lazily")
	}
	SetDefault(nil)
	if Default() == nil {
		t.Fatalf("SetDefault(nil) must not clear the default logger")
	}
}
