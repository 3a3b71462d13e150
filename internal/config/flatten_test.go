package config

import (
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"storage": map[string]any{
			"driver":        "jsonl",
			"summary_cache": 32.0,
		},
		"log_level": "info",
	}
	got := Flatten(m)
	if got["storage.driver"] != "jsonl" {
		t.Errorf("expected storage.driver=jsonl, got %v", got["storage.driver"])
	}
	if got["storage.summary_cache"] != 32.0 {
		t.Errorf("expected storage.summary_cache=32, got %v", got["storage.summary_cache"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys, got %d", len(got))
	}
}

func TestFlatten_DeeplyNested(t *testing.T) {
	m := map[string]any{
		"feedback": map[string]any{
			"critical": map[string]any{
				"suppress": "1s",
			},
		},
	}
	got := Flatten(m)
	if got["feedback.critical.suppress"] != "1s" {
		t.Errorf("expected feedback.critical.suppress=1s, got %v", got["feedback.critical.suppress"])
	}
	if len(got) != 1 {
		t.Errorf("expected 1 key, got %d", len(got))
	}
}

func TestUnflatten(t *testing.T) {
	flat := map[string]any{
		"http.enabled":     true,
		"http.listen":      "127.0.0.1:8090",
		"rules.high_speed": 8.0,
		"log_level":        "debug",
	}
	got := Unflatten(flat)
	http, ok := got["http"].(map[string]any)
	if !ok {
		t.Fatalf("expected http to be a map, got %T", got["http"])
	}
	if http["enabled"] != true || http["listen"] != "127.0.0.1:8090" {
		t.Errorf("unexpected http section %v", http)
	}
	rules, ok := got["rules"].(map[string]any)
	if !ok || rules["high_speed"] != 8.0 {
		t.Errorf("unexpected rules section %v", got["rules"])
	}
	if got["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", got["log_level"])
	}
}

func TestFlatten_RoundTrip(t *testing.T) {
	original := map[string]any{
		"pipeline": map[string]any{"idle_timeout": "5m0s", "lane_size": 64.0},
		"feedback": map[string]any{
			"info": map[string]any{"cap": 1.0, "delay": "1s"},
		},
	}
	back := Flatten(Unflatten(Flatten(original)))
	want := Flatten(original)
	if len(back) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(back))
	}
	for k, v := range want {
		if back[k] != v {
			t.Errorf("key %s: expected %v, got %v", k, v, back[k])
		}
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]any{"storage.driver": 1, "data_dir": 1, "http.listen": 1})
	want := []string{"data_dir", "http.listen", "storage.driver"}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(keys))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestParseValue(t *testing.T) {
	if v, err := parseValue(1.0, "2.5"); err != nil || v != 2.5 {
		t.Errorf("number: got %v, %v", v, err)
	}
	if v, err := parseValue(false, "true"); err != nil || v != true {
		t.Errorf("bool: got %v, %v", v, err)
	}
	if v, err := parseValue("80ms", "100ms"); err != nil || v != "100ms" {
		t.Errorf("string: got %v, %v", v, err)
	}
	if _, err := parseValue(false, "maybe"); err == nil {
		t.Error("expected error for bad bool")
	}
}
