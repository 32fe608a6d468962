package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
addr: ":50052"
engine:
  name: easyocr
  languages: [eng]
`)
	t.Setenv("OCR_WORKER_LANGUAGES", "eng+deu")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Kind != KindTesseract || cfg.ShutdownTimeout != 15*time.Second || cfg.MaxMessageSize != 64<<20 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if len(cfg.Engine.Languages) != 2 || cfg.Engine.Languages[1] != "deu" {
		t.Fatalf("languages = %v", cfg.Engine.Languages)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no addr", "engine:\n  name: x\n"},
		{"no engine name", "addr: \":1\"\n"},
		{"bad kind", "addr: \":1\"\nengine:\n  name: x\n  kind: remote\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatalf("Load succeeded")
			}
		})
	}
}
