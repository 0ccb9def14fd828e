package debug

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseCategories(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  map[string]bool
	}{
		{"empty", "", map[string]bool{}},
		{"single", "pool", map[string]bool{"pool": true}},
		{"multiple", "pool,worker", map[string]bool{"pool": true, "worker": true}},
		{"all", "all", map[string]bool{"all": true}},
		{"with spaces", " pool , worker ", map[string]bool{"pool": true, "worker": true}},
		{"uppercase normalized", "POOL,Worker", map[string]bool{"pool": true, "worker": true}},
		{"empty segments", "pool,,worker", map[string]bool{"pool": true, "worker": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCategories(tt.input)
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("got[%q] = %v, want %v", k, got[k], v)
				}
			}
			if len(got) != len(tt.want) {
				t.Errorf("len(got) = %d, want %d", len(got), len(tt.want))
			}
		})
	}
}

func TestEnabled(t *testing.T) {
	// Save and restore.
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("pool,worker")

	if !Enabled("pool") {
		t.Error("pool should be enabled")
	}
	if !Enabled("worker") {
		t.Error("worker should be enabled")
	}
	if Enabled("ipc") {
		t.Error("ipc should not be enabled")
	}
	if Enabled("all") {
		t.Error("all should not be enabled (not in categories)")
	}
}

func TestEnabled_All(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("all")

	if !Enabled("pool") {
		t.Error("pool should be enabled via 'all'")
	}
	if !Enabled("worker") {
		t.Error("worker should be enabled via 'all'")
	}
	if !Enabled("anything") {
		t.Error("anything should be enabled via 'all'")
	}
}

func TestEnabled_Empty(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("")

	if Enabled("pool") {
		t.Error("nothing should be enabled when no categories set")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"TRACE", LevelTrace},
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate short = %q, want %q", got, "short")
	}
	if got := Truncate("this is a long string", 10); got != "this is a ..." {
		t.Errorf("Truncate long = %q, want %q", got, "this is a ...")
	}
}

func TestLog_DisabledCategory(t *testing.T) {
	orig := categories
	defer func() { categories = orig }()

	categories = parseCategories("")

	// Should not panic or produce output.
	Log("pool", "test message", "key", "value")
	Trace("pool", "trace message", "key", "value")
}

func TestInitJSON(t *testing.T) {
	origCats := categories
	origLogger := slog.Default()
	defer func() {
		categories = origCats
		slog.SetDefault(origLogger)
	}()
	t.Setenv("KAPSEL_DEBUG", "")
	t.Setenv("KAPSEL_LOG_LEVEL", "")

	var buf bytes.Buffer
	InitJSON(&buf, "runner", "DEBUG")

	Log("runner", "dispatch", "method", "execute")
	Log("pool", "hidden")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "dispatch" || rec["debug"] != "runner" || rec["method"] != "execute" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestInit_EnvOverridesConfig(t *testing.T) {
	origCats := categories
	origLogger := slog.Default()
	defer func() {
		categories = origCats
		slog.SetDefault(origLogger)
	}()
	t.Setenv("KAPSEL_DEBUG", "ipc")
	t.Setenv("KAPSEL_LOG_LEVEL", "TRACE")

	Init("pool", "INFO")

	if !Enabled("ipc") || Enabled("pool") {
		t.Errorf("categories = %v, want only ipc", Categories())
	}
	if !TraceIsEnabled("ipc") {
		t.Error("TRACE should be enabled from KAPSEL_LOG_LEVEL")
	}
}
