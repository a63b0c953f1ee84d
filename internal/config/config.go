// Package config resolves Clipforge's process-wide configuration exactly
// once at startup: a single typed struct loaded via cleanenv from a TOML
// file with environment overrides, then passed explicitly to every
// component. No component reads the environment directly.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

// Config is the root configuration record; every field can also be set
// from the environment.
type Config struct {
	EncodePresetDefault string `toml:"encode_preset_default" env:"ENCODE_PRESET_DEFAULT" env-default:"slow"`
	EncodeCRF           int    `toml:"encode_crf" env:"ENCODE_CRF" env-default:"24"`
	AudioBitrate        string `toml:"audio_bitrate" env:"AUDIO_BITRATE" env-default:"128k"`

	CPUWorkerSlots      int `toml:"cpu_worker_slots" env:"CPU_WORKER_SLOTS"`
	IOWorkerConcurrency int `toml:"io_worker_concurrency" env:"IO_WORKER_CONCURRENCY" env-default:"50"`

	CacheDir string `toml:"cache_dir" env:"CACHE_DIR" env-default:"/var/cache/jobs"`

	Database DatabaseConfig `toml:"database" env-prefix:"DB_"`

	FfmpegBinaryPath  string `toml:"ffmpeg_binary_path" env:"FFMPEG_BIN" env-default:"ffmpeg"`
	FfprobeBinaryPath string `toml:"ffprobe_binary_path" env:"FFPROBE_BIN" env-default:"ffprobe"`

	OpsAPIHost       string `toml:"ops_api_host" env:"OPS_API_HOST" env-default:"127.0.0.1"`
	OpsAPIPort       int    `toml:"ops_api_port" env:"OPS_API_PORT" env-default:"8090"`
	OpsAPISigningKey string `toml:"ops_api_signing_key" env:"OPS_API_SIGNING_KEY"`
}

// DatabaseConfig is the Postgres connection configuration for the Job Store.
type DatabaseConfig struct {
	Host     string `toml:"host" env:"HOST" env-default:"localhost"`
	Port     string `toml:"port" env:"PORT" env-default:"5432"`
	User     string `toml:"user" env:"USER" env-default:"clipforge"`
	Password string `toml:"password" env:"PASSWORD"`
	Name     string `toml:"name" env:"NAME" env-default:"clipforge"`
}

// LoadFromFile reads a TOML configuration file, overlaying environment
// variables per cleanenv's usual precedence, then fills in any remaining
// runtime-derived defaults.
func (c *Config) LoadFromFile(path string) error {
	if err := cleanenv.ReadConfig(path, c); err != nil {
		return fmt.Errorf("failed to load clipforge configuration: %w", err)
	}

	c.applyRuntimeDefaults()
	return nil
}

// LoadFromEnv behaves like LoadFromFile but reads only the environment,
// useful for container deployments with no mounted config file.
func (c *Config) LoadFromEnv() error {
	if err := cleanenv.ReadEnv(c); err != nil {
		return fmt.Errorf("failed to load clipforge configuration from environment: %w", err)
	}

	c.applyRuntimeDefaults()
	return nil
}

func (c *Config) applyRuntimeDefaults() {
	if c.CPUWorkerSlots <= 0 {
		c.CPUWorkerSlots = DefaultCPUWorkerSlots()
	}

	if expanded, err := homedir.Expand(c.CacheDir); err == nil {
		c.CacheDir = expanded
	}
}

// DefaultCPUWorkerSlots returns max(1, cores-1).
func DefaultCPUWorkerSlots() int {
	if n := runtime.NumCPU() - 1; n > 1 {
		return n
	}
	return 1
}

// JobWorkspaceDir returns the per-job workspace directory for taskID under
// the configured cache dir.
func (c *Config) JobWorkspaceDir(taskID string) string {
	return filepath.Join(c.CacheDir, taskID)
}
