package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := logLevel(tt.in).Level(); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("GRYNS_PLANT_LIBRARY", "")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPlantsList(t *testing.T) {
	out, err := runCmd(t, "plants", "list", "--query", "pepper")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bell-pepper") || strings.Contains(out, "basil") {
		t.Errorf("Expected only bell pepper, got:\n%s", out)
	}
}

func TestPlantsShowYAML(t *testing.T) {
	out, err := runCmd(t, "plants", "show", "basil", "--yaml")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "name: Basil") {
		t.Errorf("Expected YAML plant record, got:\n%s", out)
	}

	if _, err := runCmd(t, "plants", "show", "no-such-plant"); err == nil {
		t.Error("Expected error for unknown plant")
	}
}

func TestOfflineCommandsNeedDatabase(t *testing.T) {
	t.Setenv("GRYNS_DATABASE_PATH", t.TempDir()+"/missing.db")
	if _, err := runCmd(t, "resolve", "04:A1"); err == nil {
		t.Error("Expected error for missing database")
	}
}
