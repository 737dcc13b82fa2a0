// Package config loads the taskmaster configuration from a YAML file, an
// optional .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/paulgrammer/taskmaster/internal/executor"
	"gopkg.in/yaml.v3"
)

const FileName = "taskmaster.yaml"

type Config struct {
	Server       Server       `yaml:"server"`
	Log          Log          `yaml:"log"`
	Scripts      Scripts      `yaml:"scripts"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Notify       Notify       `yaml:"notify"`
}

type Server struct {
	Addr              string        `yaml:"addr"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

type Scripts struct {
	Interpreter string   `yaml:"interpreter"`
	Dir         string   `yaml:"dir"`
	Allowed     []string `yaml:"allowed"` // empty allows any local script
	Params      []string `yaml:"params"`
	Secrets     []string `yaml:"secrets"`
	Headless    bool     `yaml:"headless"`
	Workers     int      `yaml:"workers"`
	MaxRetries  int      `yaml:"max_retries"`
	Timeout     int      `yaml:"timeout"`
}

type Orchestrator struct {
	DequeueWait        time.Duration `yaml:"dequeue_wait"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
	SupervisorInterval time.Duration `yaml:"supervisor_interval"`
	StuckThreshold     time.Duration `yaml:"stuck_threshold"`
	LogTail            int           `yaml:"log_tail"`
	CompletedLimit     int           `yaml:"completed_limit"`
	TerminateGrace     time.Duration `yaml:"terminate_grace"`
}

type Notify struct {
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	WebhookRetries int           `yaml:"webhook_retries"`
	NatsURL        string        `yaml:"nats_url"`
	NatsSubject    string        `yaml:"nats_subject"`
}

func Default() Config {
	scripts := executor.DefaultScriptConfig()
	return Config{
		Server: Server{
			Addr:              ":8080",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   20 * time.Second,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Scripts: Scripts{
			Interpreter: scripts.Interpreter,
			Dir:         scripts.Dir,
			Params:      scripts.Params,
			Secrets:     scripts.Secrets,
			Headless:    scripts.Headless,
			Workers:     scripts.Workers,
			MaxRetries:  scripts.MaxRetries,
			Timeout:     scripts.Timeout,
		},
		Orchestrator: Orchestrator{
			DequeueWait:        60 * time.Second,
			MonitorInterval:    60 * time.Second,
			SupervisorInterval: 30 * time.Second,
			StuckThreshold:     5 * time.Minute,
			LogTail:            50,
			CompletedLimit:     10,
			TerminateGrace:     10 * time.Second,
		},
		Notify: Notify{
			WebhookTimeout: 10 * time.Second,
			WebhookRetries: 5,
			NatsSubject:    "taskmaster.jobs",
		},
	}
}

// Load decodes YAML from r over the defaults. Unknown keys are rejected.
func Load(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads path, or returns the defaults when path is empty.
func LoadFile(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Load(f)
}

// Find returns the config file to load: TASKMASTER_CONFIG, then flagPath,
// then taskmaster.yaml in the user config dir or the working directory. An
// empty result means none was found.
func Find(flagPath string) string {
	if env, ok := os.LookupEnv("TASKMASTER_CONFIG"); ok && env != "" {
		return env
	}
	if flagPath != "" {
		return flagPath
	}
	var dirs []string
	if d, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(d, "taskmaster"))
	}
	dirs = append(dirs, ".")
	for _, d := range dirs {
		path := filepath.Join(d, FileName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv() {
	c.Server.Addr = getEnv("API_ADDR", c.Server.Addr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Scripts.Dir = getEnv("SCRIPT_DIR", c.Scripts.Dir)
	c.Scripts.Interpreter = getEnv("SCRIPT_INTERPRETER", c.Scripts.Interpreter)
	c.Notify.WebhookURL = getEnv("WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.WebhookRetries = getEnvAsInt("WEBHOOK_MAX_RETRIES", c.Notify.WebhookRetries)
	if sec := getEnvAsInt("WEBHOOK_TIMEOUT_SEC", 0); sec > 0 {
		c.Notify.WebhookTimeout = time.Duration(sec) * time.Second
	}
	c.Notify.NatsURL = getEnv("NATS_URL", c.Notify.NatsURL)
	c.Notify.NatsSubject = getEnv("NATS_SUBJECT", c.Notify.NatsSubject)
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Scripts.Dir == "" {
		errs = append(errs, errors.New("scripts.dir is required"))
	}
	o := c.Orchestrator
	for name, d := range map[string]time.Duration{
		"orchestrator.dequeue_wait":        o.DequeueWait,
		"orchestrator.monitor_interval":    o.MonitorInterval,
		"orchestrator.supervisor_interval": o.SupervisorInterval,
		"orchestrator.stuck_threshold":     o.StuckThreshold,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	if o.SupervisorInterval >= o.MonitorInterval {
		errs = append(errs, fmt.Errorf("orchestrator.supervisor_interval (%s) must be shorter than orchestrator.monitor_interval (%s)",
			o.SupervisorInterval, o.MonitorInterval))
	}
	if o.LogTail <= 0 {
		errs = append(errs, errors.New("orchestrator.log_tail must be > 0"))
	}
	if c.Notify.WebhookRetries < 0 {
		errs = append(errs, errors.New("notify.webhook_retries must be >= 0"))
	}
	return errors.Join(errs...)
}

// ScriptConfig converts the scripts section for the process runner.
func (c Config) ScriptConfig() executor.ScriptConfig {
	s := executor.DefaultScriptConfig()
	s.Interpreter = c.Scripts.Interpreter
	s.Dir = c.Scripts.Dir
	s.Allowed = c.Scripts.Allowed
	s.Params = c.Scripts.Params
	s.Secrets = c.Scripts.Secrets
	s.Headless = c.Scripts.Headless
	s.Workers = c.Scripts.Workers
	s.MaxRetries = c.Scripts.MaxRetries
	s.Timeout = c.Scripts.Timeout
	return s
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
