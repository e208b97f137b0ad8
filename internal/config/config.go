package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "APPFORGE_"

	defaultListenAddr              = ":4000"
	defaultAuthHeader              = "X-Build-Token"
	defaultMaxUploadBytes    int64 = 64 << 20
	defaultMaxFiles                = 200000
	defaultMaxExtractedTotal int64 = 8 << 30
	defaultMaxExtractedFile  int64 = 1 << 30
	defaultWorkers                 = 2
	defaultWorkerTimeout           = time.Hour
	defaultRetention               = 14 * 24 * time.Hour
	defaultToolchainBin            = "flutter"
	defaultLogLevel                = "info"
	defaultLogFormat               = "text"
	defaultAMQPQueue               = "appforge.jobs"
	defaultDiscoveryService        = "_appforge._tcp"
	defaultDiscoveryDomain         = "local."
)

// Config controls server behavior. Values come from Default, then an optional
// YAML file, then APPFORGE_* environment variables.
type Config struct {
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	BaseDir    string `yaml:"base_dir" env:"BASE_DIR"`
	AppsDir    string `yaml:"apps_dir" env:"APPS_DIR"`

	Token      string   `yaml:"token" env:"TOKEN"`
	AuthHeader string   `yaml:"auth_header" env:"AUTH_HEADER"`
	Allowlist  []string `yaml:"allowlist" env:"ALLOWLIST"`

	MaxUploadBytes         int64 `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	MaxExtractedFiles      int   `yaml:"max_extracted_files" env:"MAX_EXTRACTED_FILES"`
	MaxExtractedTotalBytes int64 `yaml:"max_extracted_total_bytes" env:"MAX_EXTRACTED_TOTAL_BYTES"`
	MaxExtractedFileBytes  int64 `yaml:"max_extracted_file_bytes" env:"MAX_EXTRACTED_FILE_BYTES"`

	Workers         int           `yaml:"workers" env:"WORKERS"`
	WorkerTimeout   time.Duration `yaml:"worker_timeout" env:"WORKER_TIMEOUT"`
	Retention       time.Duration `yaml:"retention" env:"RETENTION"`
	PreserveWorkDir bool          `yaml:"preserve_work_dir" env:"PRESERVE_WORK_DIR"`

	ToolchainBin string `yaml:"toolchain_bin" env:"TOOLCHAIN_BIN"`
	UseFakeBuild bool   `yaml:"use_fake_builder" env:"USE_FAKE_BUILDER"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	PostgresURL string `yaml:"postgres_url" env:"POSTGRES_URL"`

	S3URL    string `yaml:"s3_url" env:"S3_URL"`
	S3Bucket string `yaml:"s3_bucket" env:"S3_BUCKET"`

	AMQPURL   string `yaml:"amqp_url" env:"AMQP_URL"`
	AMQPQueue string `yaml:"amqp_queue" env:"AMQP_QUEUE"`

	DiscoveryEnabled  bool   `yaml:"discovery_enabled" env:"DISCOVERY_ENABLED"`
	DiscoveryService  string `yaml:"discovery_service" env:"DISCOVERY_SERVICE"`
	DiscoveryDomain   string `yaml:"discovery_domain" env:"DISCOVERY_DOMAIN"`
	DiscoveryInstance string `yaml:"discovery_instance" env:"DISCOVERY_INSTANCE"`
}

func Default() Config {
	return Config{
		ListenAddr:             defaultListenAddr,
		AuthHeader:             defaultAuthHeader,
		MaxUploadBytes:         defaultMaxUploadBytes,
		MaxExtractedFiles:      defaultMaxFiles,
		MaxExtractedTotalBytes: defaultMaxExtractedTotal,
		MaxExtractedFileBytes:  defaultMaxExtractedFile,
		Workers:                defaultWorkers,
		WorkerTimeout:          defaultWorkerTimeout,
		Retention:              defaultRetention,
		ToolchainBin:           defaultToolchainBin,
		LogLevel:               defaultLogLevel,
		LogFormat:              defaultLogFormat,
		AMQPQueue:              defaultAMQPQueue,
		DiscoveryService:       defaultDiscoveryService,
		DiscoveryDomain:        defaultDiscoveryDomain,
	}
}

// Load builds a Config from the defaults, the YAML file at path (skipped when
// path is empty) and the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnviron(path, os.Environ())
}

func LoadWithEnviron(path string, environ []string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
		Prefix:      EnvPrefix,
	})
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Allowlist = trimList(cfg.Allowlist)
	if cfg.AppsDir == "" && cfg.BaseDir != "" {
		cfg.AppsDir = filepath.Join(cfg.BaseDir, "apps")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return errors.New("base dir is required")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen addr is required")
	}
	if strings.TrimSpace(c.AuthHeader) == "" {
		return errors.New("auth header is required")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be > 0")
	}
	if c.MaxExtractedFiles <= 0 {
		return errors.New("max extracted files must be > 0")
	}
	if c.MaxExtractedTotalBytes <= 0 {
		return errors.New("max extracted total bytes must be > 0")
	}
	if c.MaxExtractedFileBytes <= 0 {
		return errors.New("max extracted file bytes must be > 0")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if c.WorkerTimeout <= 0 {
		return errors.New("worker timeout must be > 0")
	}
	if c.Retention < 0 {
		return errors.New("retention must be >= 0")
	}
	if strings.TrimSpace(c.ToolchainBin) == "" && !c.UseFakeBuild {
		return errors.New("toolchain bin is required")
	}
	if (c.S3URL == "") != (c.S3Bucket == "") {
		return errors.New("s3 url and s3 bucket must be set together")
	}
	for _, entry := range c.Allowlist {
		if err := validateAllowEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) JobsDir() string {
	return filepath.Join(c.BaseDir, "jobs")
}

func (c Config) WorkDir() string {
	return filepath.Join(c.BaseDir, "work")
}

func (c Config) ArtifactsDir() string {
	return filepath.Join(c.BaseDir, "artifacts")
}

func (c Config) CatalogPath() string {
	return filepath.Join(c.BaseDir, "catalog.json")
}

func (c Config) AllowlistEnabled() bool {
	return len(c.Allowlist) > 0
}

func trimList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if t := strings.TrimSpace(item); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func validateAllowEntry(entry string) error {
	if entry == "" {
		return errors.New("allowlist entry cannot be empty")
	}
	if strings.Contains(entry, "/") {
		if _, _, err := net.ParseCIDR(entry); err != nil {
			return fmt.Errorf("invalid allowlist cidr %q: %w", entry, err)
		}
		return nil
	}
	if ip := net.ParseIP(entry); ip == nil {
		return fmt.Errorf("invalid allowlist ip %q", entry)
	}
	return nil
}
