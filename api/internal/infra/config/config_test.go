package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
addr: ":8080"
staging:
  base_dir: "./data/staging"
ocr:
  default_engine: tesseract
  dpi: 200
  enable_preprocessing: true
  engines:
    - name: tesseract
      kind: tesseract
    - name: easyocr
      kind: remote
      addr: "easyocr:50051"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("OCR_CONFIG", "")
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.OCR.DPI != 200 || !cfg.OCR.EnablePreprocessing || len(cfg.OCR.Engines) != 2 {
		t.Fatalf("ocr = %+v", cfg.OCR)
	}
	if cfg.OCR.Workers != 4 || cfg.OCR.CallTimeout != 5*time.Minute || cfg.OCR.Languages[0] != "eng" {
		t.Fatalf("ocr defaults = %+v", cfg.OCR)
	}
	if cfg.Upload.MaxFileSize != 50<<20 || cfg.Upload.MaxFiles != 10 {
		t.Fatalf("upload defaults = %+v", cfg.Upload)
	}
	if cfg.Store.Backend != BackendMemory || cfg.Queue.Backend != BackendMemory || cfg.Staging.Backend != BackendLocal {
		t.Fatalf("backends = %s %s %s", cfg.Store.Backend, cfg.Queue.Backend, cfg.Staging.Backend)
	}
	if cfg.NATS.AckWait != 6*time.Minute {
		t.Fatalf("ack wait = %s", cfg.NATS.AckWait)
	}
	if cfg.Tasks.LeaseTTL != time.Minute {
		t.Fatalf("tasks = %+v", cfg.Tasks)
	}
	if cfg.App.Name == "" || cfg.ShutdownTimeout != 15*time.Second {
		t.Fatalf("app = %+v, shutdown = %s", cfg.App, cfg.ShutdownTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, baseYAML)
	t.Setenv("APP_NAME", "scanner")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DEFAULT_OCR_ENGINE", "easyocr")
	t.Setenv("DPI_CONVERSION", "400")
	t.Setenv("ENABLE_PREPROCESSING", "false")
	t.Setenv("MAX_FILE_SIZE", "1048576")
	t.Setenv("MAX_FILES_PER_UPLOAD", "3")
	t.Setenv("OCR_WORKERS", "8")
	t.Setenv("OCR_CALL_TIMEOUT", "90")
	t.Setenv("INSTANCE_ID", "api-2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Name != "scanner" || cfg.App.Environment != "production" {
		t.Fatalf("app = %+v", cfg.App)
	}
	if cfg.OCR.DefaultEngine != "easyocr" || cfg.OCR.DPI != 400 || cfg.OCR.EnablePreprocessing {
		t.Fatalf("ocr = %+v", cfg.OCR)
	}
	if cfg.Upload.MaxFileSize != 1<<20 || cfg.Upload.MaxFiles != 3 || cfg.OCR.Workers != 8 {
		t.Fatalf("limits = %+v workers=%d", cfg.Upload, cfg.OCR.Workers)
	}
	if cfg.OCR.CallTimeout != 90*time.Second {
		t.Fatalf("call timeout = %s", cfg.OCR.CallTimeout)
	}
	if cfg.Tasks.InstanceID != "api-2" {
		t.Fatalf("instance id = %q", cfg.Tasks.InstanceID)
	}
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, baseYAML)
	t.Setenv("OCR_CONFIG", path)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("OCR_CONFIG ignored: %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		env  map[string]string
		want string
	}{
		{"no addr", strings.Replace(baseYAML, `addr: ":8080"`, "", 1), nil, "addr is empty"},
		{"unknown default", baseYAML, map[string]string{"DEFAULT_OCR_ENGINE": "paddleocr"}, "not declared"},
		{"bad env int", baseYAML, map[string]string{"OCR_WORKERS": "many"}, "OCR_WORKERS"},
		{"remote without addr", strings.Replace(baseYAML, `      addr: "easyocr:50051"`+"\n", "", 1), nil, "has no addr"},
		{"valid", baseYAML, nil, ""},
		{"nats needs redis", baseYAML + "queue:\n  backend: nats\nnats:\n  url: nats://localhost:4222\n", nil, "requires store.backend redis"},
		{"bad kind", strings.Replace(baseYAML, "kind: remote", "kind: cloud", 1), nil, "unknown kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := Load(path)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Load: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load error = %v, want %q", err, tc.want)
			}
		})
	}
}
