// Package config loads the service configuration from an optional YAML
// file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the environment variable holding the YAML file path.
const ConfigPathEnv = "EXECUTIONER_CONFIG"

// MinMemoryLimitMb is the smallest memory limit the container runtime
// accepts.
const MinMemoryLimitMb = 6

type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Db        DbConfig                  `yaml:"db"`
	Sandbox   SandboxConfig             `yaml:"sandbox"`
	Limits    LimitsConfig              `yaml:"limits"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Languages map[string]LanguageConfig `yaml:"languages"`
}

type ServerConfig struct {
	Port          string `yaml:"port"`
	ReadTimeout   int    `yaml:"read_timeout"`  // seconds
	WriteTimeout  int    `yaml:"write_timeout"` // seconds
	IdleTimeout   int    `yaml:"idle_timeout"`  // seconds
	Workers       int    `yaml:"workers"`
	QueueCapacity int    `yaml:"queue_capacity"`
}

// DbConfig points at the problem database. An empty Host disables it.
type DbConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// Enabled reports whether a database has been configured.
func (d DbConfig) Enabled() bool {
	return d.Host != ""
}

type SandboxConfig struct {
	DockerHost string `yaml:"docker_host"`
	// WorkspaceRoot is where per-execution directories are created.
	WorkspaceRoot string `yaml:"workspace_root"`
	// HostWorkspaceRoot is the same directory as seen by the Docker daemon,
	// needed when this service itself runs inside a container.
	HostWorkspaceRoot string  `yaml:"host_workspace_root"`
	MountPath         string  `yaml:"mount_path"`
	User              string  `yaml:"user"`
	CPUs              float64 `yaml:"cpus"`
	PidsLimit         int64   `yaml:"pids_limit"`
	MaxOutputBytes    int     `yaml:"max_output_bytes"` // per stream
	PullImages        bool    `yaml:"pull_images"`
}

type LimitsConfig struct {
	DefaultTimeLimitMs   int `yaml:"default_time_limit_ms"`
	DefaultMemoryLimitMb int `yaml:"default_memory_limit_mb"`
	MaxTimeLimitMs       int `yaml:"max_time_limit_ms"`
	MaxMemoryLimitMb     int `yaml:"max_memory_limit_mb"`
	MaxSourceBytes       int `yaml:"max_source_bytes"`
	MaxStdinBytes        int `yaml:"max_stdin_bytes"`
}

type RateLimitConfig struct {
	GlobalRPS     float64 `yaml:"global_rps"`
	PerIPRPS      float64 `yaml:"per_ip_rps"`
	PerIPBurst    int     `yaml:"per_ip_burst"`
	MaxConcurrent int     `yaml:"max_concurrent"`
}

// LanguageConfig overrides fields of a built-in language profile, or
// defines a new one when all fields are set.
type LanguageConfig struct {
	Name           string   `yaml:"name"`
	Image          string   `yaml:"image"`
	SourceFile     string   `yaml:"source_file"`
	CompileCommand []string `yaml:"compile_command"`
	RunCommand     []string `yaml:"run_command"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			ReadTimeout:   15,
			WriteTimeout:  120,
			IdleTimeout:   60,
			Workers:       5,
			QueueCapacity: 100,
		},
		Db: DbConfig{
			Port:    5432,
			SSLMode: "disable",
		},
		Sandbox: SandboxConfig{
			WorkspaceRoot:  filepath.Join(os.TempDir(), "executioner"),
			MountPath:      "/sandbox",
			User:           "nobody",
			CPUs:           1,
			PidsLimit:      64,
			MaxOutputBytes: 1 << 20,
			PullImages:     true,
		},
		Limits: LimitsConfig{
			DefaultTimeLimitMs:   3000,
			DefaultMemoryLimitMb: 256,
			MaxTimeLimitMs:       15000,
			MaxMemoryLimitMb:     1024,
			MaxSourceBytes:       64 << 10,
			MaxStdinBytes:        8 << 20,
		},
		RateLimit: RateLimitConfig{
			GlobalRPS:     100,
			PerIPRPS:      10,
			PerIPBurst:    20,
			MaxConcurrent: 50,
		},
	}
}

// LoadConfig reads the file named by EXECUTIONER_CONFIG, if any, then
// applies environment overrides and validates the result.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv(ConfigPathEnv))
}

// Load reads the YAML file at path over the defaults. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	conf := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, conf); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	overrideFromEnv(conf)

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate rejects values the engine cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Server.Workers < 1 {
		errs = append(errs, fmt.Errorf("server.workers must be >= 1, got %d", c.Server.Workers))
	}
	if c.Server.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("server.queue_capacity must be >= 1, got %d", c.Server.QueueCapacity))
	}
	if c.Sandbox.WorkspaceRoot == "" {
		errs = append(errs, errors.New("sandbox.workspace_root is required"))
	}
	if !strings.HasPrefix(c.Sandbox.MountPath, "/") {
		errs = append(errs, fmt.Errorf("sandbox.mount_path must be absolute, got %q", c.Sandbox.MountPath))
	}
	if c.Sandbox.CPUs <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.cpus must be positive, got %v", c.Sandbox.CPUs))
	}
	if c.Sandbox.PidsLimit < 1 {
		errs = append(errs, fmt.Errorf("sandbox.pids_limit must be >= 1, got %d", c.Sandbox.PidsLimit))
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.max_output_bytes must be positive, got %d", c.Sandbox.MaxOutputBytes))
	}
	l := c.Limits
	if l.DefaultTimeLimitMs <= 0 || l.MaxTimeLimitMs < l.DefaultTimeLimitMs {
		errs = append(errs, fmt.Errorf("limits: need 0 < default_time_limit_ms (%d) <= max_time_limit_ms (%d)", l.DefaultTimeLimitMs, l.MaxTimeLimitMs))
	}
	if l.DefaultMemoryLimitMb <= 0 || l.MaxMemoryLimitMb < l.DefaultMemoryLimitMb {
		errs = append(errs, fmt.Errorf("limits: need 0 < default_memory_limit_mb (%d) <= max_memory_limit_mb (%d)", l.DefaultMemoryLimitMb, l.MaxMemoryLimitMb))
	}
	if l.DefaultMemoryLimitMb > 0 && l.DefaultMemoryLimitMb < MinMemoryLimitMb {
		errs = append(errs, fmt.Errorf("limits.default_memory_limit_mb must be >= %d, got %d", MinMemoryLimitMb, l.DefaultMemoryLimitMb))
	}
	r := c.RateLimit
	if r.GlobalRPS <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.global_rps must be positive, got %v", r.GlobalRPS))
	}
	if r.PerIPRPS <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.per_ip_rps must be positive, got %v", r.PerIPRPS))
	}
	if r.PerIPBurst < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.per_ip_burst must be >= 1, got %d", r.PerIPBurst))
	}
	if r.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.max_concurrent must be >= 1, got %d", r.MaxConcurrent))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func overrideFromEnv(conf *Config) {
	if port := os.Getenv("EXECUTIONER_PORT"); port != "" {
		conf.Server.Port = port
	}
	if workers, err := strconv.Atoi(os.Getenv("EXECUTIONER_WORKERS")); err == nil && workers > 0 {
		conf.Server.Workers = workers
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		conf.Db.Host = host
	}
	if port, err := strconv.Atoi(os.Getenv("DB_PORT")); err == nil && port > 0 {
		conf.Db.Port = port
	}
	if user := os.Getenv("DB_USER"); user != "" {
		conf.Db.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		conf.Db.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		conf.Db.Name = name
	}
	if mode := os.Getenv("DB_SSLMODE"); mode != "" {
		conf.Db.SSLMode = mode
	}

	if dockerHost := os.Getenv("DOCKER_HOST"); dockerHost != "" {
		conf.Sandbox.DockerHost = dockerHost
	}
	if root := os.Getenv("EXECUTIONER_WORKSPACE_ROOT"); root != "" {
		conf.Sandbox.WorkspaceRoot = root
	}
	if hostRoot := os.Getenv("EXECUTIONER_HOST_WORKSPACE_ROOT"); hostRoot != "" {
		conf.Sandbox.HostWorkspaceRoot = hostRoot
	}
	if cpus, err := strconv.ParseFloat(os.Getenv("EXECUTIONER_CPUS"), 64); err == nil && cpus > 0 {
		conf.Sandbox.CPUs = cpus
	}

	if ms, err := strconv.Atoi(os.Getenv("EXECUTIONER_DEFAULT_TIME_LIMIT_MS")); err == nil && ms > 0 {
		conf.Limits.DefaultTimeLimitMs = ms
	}
	if mb, err := strconv.Atoi(os.Getenv("EXECUTIONER_DEFAULT_MEMORY_LIMIT_MB")); err == nil && mb > 0 {
		conf.Limits.DefaultMemoryLimitMb = mb
	}

	// Per-language images, e.g. EXECUTIONER_PYTHON_IMAGE=python:3.12-slim.
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || value == "" {
			continue
		}
		if !strings.HasPrefix(key, "EXECUTIONER_") || !strings.HasSuffix(key, "_IMAGE") {
			continue
		}
		lang := strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(key, "EXECUTIONER_"), "_IMAGE"))
		if lang == "" {
			continue
		}
		if conf.Languages == nil {
			conf.Languages = make(map[string]LanguageConfig)
		}
		lc := conf.Languages[lang]
		lc.Image = value
		conf.Languages[lang] = lc
	}
}
