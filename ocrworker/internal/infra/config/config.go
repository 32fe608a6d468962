package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	KindTesseract       = "tesseract"
	KindTesseractNative = "tesseract-native"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxMessageSize  int           `yaml:"max_message_size"`

	Engine Engine `yaml:"engine"`
}

type Engine struct {
	Name          string   `yaml:"name"`
	Kind          string   `yaml:"kind"`
	Languages     []string `yaml:"languages"`
	TesseractPath string   `yaml:"tesseract_path"`
	PdftoppmPath  string   `yaml:"pdftoppm_path"`
	TessdataDir   string   `yaml:"tessdata_dir"`
	PSM           int      `yaml:"psm"`
	OEM           int      `yaml:"oem"`
	WorkDir       string   `yaml:"work_dir"`
}

// Load reads path, or OCR_WORKER_CONFIG when set, and applies the
// OCR_WORKER_* environment on top.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	if p := os.Getenv("OCR_WORKER_CONFIG"); p != "" {
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot unmarshal yaml: %w", err)
	}

	if v := os.Getenv("OCR_WORKER_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("OCR_WORKER_ENGINE"); v != "" {
		cfg.Engine.Name = v
	}
	if v := os.Getenv("OCR_WORKER_LANGUAGES"); v != "" {
		cfg.Engine.Languages = strings.Split(v, "+")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 << 20
	}
	if cfg.Engine.Kind == "" {
		cfg.Engine.Kind = KindTesseract
	}

	switch {
	case cfg.Addr == "":
		return nil, errors.New("config: addr is empty")
	case cfg.Engine.Name == "":
		return nil, errors.New("config: engine.name is empty")
	case cfg.Engine.Kind != KindTesseract && cfg.Engine.Kind != KindTesseractNative:
		return nil, fmt.Errorf("config: engine.kind %q is not supported", cfg.Engine.Kind)
	}
	return &cfg, nil
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}
