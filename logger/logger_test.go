package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !ReportEnabled("report") || ReportEnabled("info") {
		t.Fatalf("unexpected ReportEnabled result")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	path := filepath.Join(t.TempDir(), "collector.log")
	if err := log.Configure("debug", "json", path, 7); err != nil {
		t.Fatalf("configure: %v", err)
	}
}

func TestJSONLineCarriesFields(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithComponent("writer").WithFields(Fields{"event_type": "ticker"}).Info("flushed")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["message"] != "flushed" || line["event_type"] != "ticker" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if file, _ := line["file"].(string); file != "" && !strings.Contains(file, ".go:") {
		t.Fatalf("unexpected caller: %v", file)
	}
}

func TestWarnAndErrorAreCounted(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithComponent("counted").Warn("careful")
	log.WithComponent("counted").Error("broken")

	if snapshot(&warnCounts)["counted"] < 1 {
		t.Fatalf("warn not counted")
	}
	if snapshot(&errorCounts)["counted"] < 1 {
		t.Fatalf("error not counted")
	}
}

func TestLogMetricWritesDebugLine(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("debug", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithComponent("writer").LogMetric("writer", "rows_flushed", 42, Fields{"event_type": "orderbook"})
	// unsupported value types are logged but not published
	log.WithComponent("writer").LogMetric("writer", "label", "n/a", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	var line map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["metric"] != "rows_flushed" || line["value"] != float64(42) || line["event_type"] != "orderbook" {
		t.Fatalf("unexpected metric line: %v", line)
	}
}

func TestIsExternal(t *testing.T) {
	cases := map[string]bool{
		"github.com/sirupsen/logrus.(*Entry).Log": false,
		packagePath + ".(*Entry).Warn":            false,
		packagePath + ".TestIsExternal":           true,
		"datacollector/writer.(*Writer).FlushAll": true,
		"runtime.goexit":                          false,
		"":                                        false,
	}
	for fn, want := range cases {
		if got := isExternal(fn); got != want {
			t.Errorf("isExternal(%q) = %v, want %v", fn, got, want)
		}
	}
}

func TestCallerPointsOutsideWrappers(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.WithComponent("caller").Info("where")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if file, _ := line["file"].(string); !strings.Contains(file, "logger_test.go:") {
		t.Fatalf("caller should be the test file, got %v", line["file"])
	}
}
