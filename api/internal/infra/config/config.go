package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EngineTesseract       = "tesseract"
	EngineTesseractNative = "tesseract-native"
	EngineRemote          = "remote"

	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendLocal  = "local"
	BackendMinIO  = "minio"
	// BackendReplicated stages locally and copies each file to MinIO in
	// the background.
	BackendReplicated = "replicated"
	BackendNATS       = "nats"
)

type Config struct {
	App             App           `yaml:"app"`
	LogLevel        string        `yaml:"log_level"`
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	OCR    OCR    `yaml:"ocr"`
	Upload Upload `yaml:"upload"`
	Tasks  Tasks  `yaml:"tasks"`

	Store   Store   `yaml:"store"`
	Staging Staging `yaml:"staging"`
	Queue   Queue   `yaml:"queue"`

	Redis Redis `yaml:"redis"`
	MinIO MinIO `yaml:"minio"`
	NATS  NATS  `yaml:"nats"`
}

type App struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	Debug       bool   `yaml:"debug"`
}

type OCR struct {
	DefaultEngine       string        `yaml:"default_engine"`
	DPI                 int           `yaml:"dpi"`
	EnablePreprocessing bool          `yaml:"enable_preprocessing"`
	Languages           []string      `yaml:"languages"`
	Workers             int           `yaml:"workers"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	ProbeTTL            time.Duration `yaml:"probe_ttl"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	Engines             []Engine      `yaml:"engines"`
}

// Engine describes one registry entry. Kind selects the adapter.
type Engine struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	TesseractPath string `yaml:"tesseract_path"`
	PdftoppmPath  string `yaml:"pdftoppm_path"`
	TessdataDir   string `yaml:"tessdata_dir"`
	PSM           int    `yaml:"psm"`
	OEM           int    `yaml:"oem"`
	WorkDir       string `yaml:"work_dir"`

	Addr           string `yaml:"addr"`
	MaxMessageSize int    `yaml:"max_message_size"`
}

type Upload struct {
	MaxFileSize       int64         `yaml:"max_file_size"`
	MaxFiles          int           `yaml:"max_files"`
	AllowedExtensions []string      `yaml:"allowed_extensions"`
	SyncWaitTimeout   time.Duration `yaml:"sync_wait_timeout"`
}

type Tasks struct {
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	DeleteGrace     time.Duration `yaml:"delete_grace"`
	RecoverOnStart  bool          `yaml:"recover_on_start"`
	// InstanceID marks the tasks this process runs. Instances sharing a
	// store need distinct ids that survive restarts.
	InstanceID string        `yaml:"instance_id"`
	LeaseTTL   time.Duration `yaml:"lease_ttl"`
}

type Store struct {
	Backend string `yaml:"backend"`
}

type Staging struct {
	Backend string `yaml:"backend"`
	BaseDir string `yaml:"base_dir"`

	ReplicaQueue   int `yaml:"replica_queue"`
	ReplicaWorkers int `yaml:"replica_workers"`
	ReplicaRetries int `yaml:"replica_retries"`
}

type Queue struct {
	Backend string `yaml:"backend"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
}

type NATS struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	Stream        string        `yaml:"stream"`
	Subject       string        `yaml:"subject"`
	Consumer      string        `yaml:"consumer"`
	AckWait       time.Duration `yaml:"ack_wait"`
}

// Load reads path (OCR_CONFIG overrides it), applies the environment and
// validates the result. A .env file in the working directory is loaded first
// when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	if p := os.Getenv("OCR_CONFIG"); p != "" {
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

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
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

func (c *Config) applyEnv() error {
	setString(&c.App.Name, "APP_NAME")
	setString(&c.App.Version, "APP_VERSION")
	setString(&c.App.Environment, "ENVIRONMENT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.OCR.DefaultEngine, "DEFAULT_OCR_ENGINE")
	setString(&c.Tasks.InstanceID, "INSTANCE_ID")

	setters := []error{
		setBool(&c.App.Debug, "DEBUG"),
		setInt(&c.OCR.DPI, "DPI_CONVERSION"),
		setBool(&c.OCR.EnablePreprocessing, "ENABLE_PREPROCESSING"),
		setInt64(&c.Upload.MaxFileSize, "MAX_FILE_SIZE"),
		setInt(&c.Upload.MaxFiles, "MAX_FILES_PER_UPLOAD"),
		setInt(&c.OCR.Workers, "OCR_WORKERS"),
		setDuration(&c.OCR.CallTimeout, "OCR_CALL_TIMEOUT"),
	}
	return errors.Join(setters...)
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "OCR Document Processing Service"
	}
	if c.App.Version == "" {
		c.App.Version = "1.0.0"
	}
	if c.App.Environment == "" {
		c.App.Environment = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}

	if c.OCR.DefaultEngine == "" {
		c.OCR.DefaultEngine = EngineTesseract
	}
	if c.OCR.DPI <= 0 {
		c.OCR.DPI = 300
	}
	if len(c.OCR.Languages) == 0 {
		c.OCR.Languages = []string{"eng"}
	}
	if c.OCR.Workers <= 0 {
		c.OCR.Workers = 4
	}
	if c.OCR.CallTimeout <= 0 {
		c.OCR.CallTimeout = 5 * time.Minute
	}
	if c.OCR.ProbeTTL <= 0 {
		c.OCR.ProbeTTL = 30 * time.Second
	}
	if c.OCR.ProbeTimeout <= 0 {
		c.OCR.ProbeTimeout = 5 * time.Second
	}
	if len(c.OCR.Engines) == 0 {
		c.OCR.Engines = []Engine{
			{Name: "tesseract", Kind: EngineTesseract},
			{Name: "easyocr", Kind: EngineRemote, Addr: "localhost:50052"},
			{Name: "paddleocr", Kind: EngineRemote, Addr: "localhost:50053"},
		}
	}

	if c.Upload.MaxFileSize <= 0 {
		c.Upload.MaxFileSize = 50 << 20
	}
	if c.Upload.MaxFiles <= 0 {
		c.Upload.MaxFiles = 10
	}
	if c.Upload.SyncWaitTimeout <= 0 {
		c.Upload.SyncWaitTimeout = 2 * time.Minute
	}

	if c.Tasks.TTL <= 0 {
		c.Tasks.TTL = 24 * time.Hour
	}
	if c.Tasks.CleanupInterval <= 0 {
		c.Tasks.CleanupInterval = 10 * time.Minute
	}
	if c.Tasks.DeleteGrace <= 0 {
		c.Tasks.DeleteGrace = 2 * time.Second
	}
	if c.Tasks.InstanceID == "" {
		c.Tasks.InstanceID, _ = os.Hostname()
	}
	if c.Tasks.LeaseTTL <= 0 {
		c.Tasks.LeaseTTL = time.Minute
	}

	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Staging.Backend == "" {
		c.Staging.Backend = BackendLocal
	}
	if c.Staging.ReplicaQueue <= 0 {
		c.Staging.ReplicaQueue = 100
	}
	if c.Staging.ReplicaWorkers <= 0 {
		c.Staging.ReplicaWorkers = 2
	}
	if c.Staging.ReplicaRetries <= 0 {
		c.Staging.ReplicaRetries = 3
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = BackendMemory
	}

	if c.NATS.Stream == "" {
		c.NATS.Stream = "OCR_TASKS"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "ocr.tasks"
	}
	if c.NATS.Consumer == "" {
		c.NATS.Consumer = "ocr-dispatcher"
	}
	if c.NATS.AckWait <= 0 {
		c.NATS.AckWait = c.OCR.CallTimeout + time.Minute
	}
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return errors.New("config: addr is empty")
	}
	if c.Staging.BaseDir == "" {
		return errors.New("config: staging.base_dir is empty")
	}

	names := make(map[string]bool, len(c.OCR.Engines))
	for i, e := range c.OCR.Engines {
		if e.Name == "" {
			return fmt.Errorf("config: ocr.engines[%d].name is empty", i)
		}
		if names[e.Name] {
			return fmt.Errorf("config: ocr engine %q is declared twice", e.Name)
		}
		names[e.Name] = true

		switch e.Kind {
		case EngineTesseract, EngineTesseractNative:
		case EngineRemote:
			if e.Addr == "" {
				return fmt.Errorf("config: remote ocr engine %q has no addr", e.Name)
			}
		default:
			return fmt.Errorf("config: ocr engine %q has unknown kind %q", e.Name, e.Kind)
		}
	}
	if !names[c.OCR.DefaultEngine] {
		return fmt.Errorf("config: default engine %q is not declared in ocr.engines", c.OCR.DefaultEngine)
	}

	if err := oneOf("store.backend", c.Store.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if err := oneOf("staging.backend", c.Staging.Backend, BackendLocal, BackendMinIO, BackendReplicated); err != nil {
		return err
	}
	if err := oneOf("queue.backend", c.Queue.Backend, BackendMemory, BackendNATS); err != nil {
		return err
	}
	if c.Store.Backend == BackendRedis && c.Redis.Addr == "" {
		return errors.New("config: redis.addr is empty")
	}
	if c.Staging.Backend != BackendLocal && (c.MinIO.Endpoint == "" || c.MinIO.Bucket == "") {
		return errors.New("config: minio.endpoint and minio.bucket are required")
	}
	if c.Queue.Backend == BackendNATS {
		if c.NATS.URL == "" {
			return errors.New("config: nats.url is empty")
		}
		// Workers in another process cannot be reached by Cancel/Delete
		// unless they share the task store.
		if c.Store.Backend != BackendRedis {
			return errors.New("config: queue.backend nats requires store.backend redis")
		}
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

// setDuration accepts Go durations ("90s") and plain seconds ("90").
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
