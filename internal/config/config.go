package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir       string        `yaml:"data_dir" validate:"required"`
	DBPath        string        `yaml:"db_path" validate:"required"`
	ProjectRoot   string        `yaml:"project_root" validate:"required"`
	PlanFile      string        `yaml:"plan_file"`
	Interpreter   string        `yaml:"interpreter" validate:"required"`
	Keywords      []string      `yaml:"keywords"`
	Env           []string      `yaml:"env"`
	JoinPolicy    string        `yaml:"join_policy" validate:"oneof=warn fail"`
	StageTimeout  time.Duration `yaml:"stage_timeout" validate:"gte=0"`
	WaitDelay     time.Duration `yaml:"wait_delay" validate:"gte=0"`
	RetentionDays int           `yaml:"retention_days" validate:"gte=0"`
	ListenAddr    string        `yaml:"listen_addr"`
	LogLevel      string        `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat     string        `yaml:"log_format" validate:"oneof=text json"`
	Trigger       Trigger       `yaml:"trigger"`
}

// Trigger is the daily window of the scheduler. The default of 11:30 New York
// time is configuration only; nothing depends on what it is meant to line up with.
type Trigger struct {
	Timezone     string        `yaml:"timezone" validate:"required"`
	Hour         int           `yaml:"hour" validate:"gte=0,lte=23"`
	Minute       int           `yaml:"minute" validate:"gte=0,lte=59"`
	Cron         string        `yaml:"cron"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
	Debounce     time.Duration `yaml:"debounce" validate:"gt=0"`
}

// Load builds the configuration from defaults, then the YAML file at path
// (or DAYRUN_CONFIG, or <data dir>/config.yaml when present), then DAYRUN_*
// environment variables.
func Load(path string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("DAYRUN_DATA_DIR", filepath.Join(homeDir, ".dayrun"))
	c := defaults(dataDir)

	explicit := path != ""
	if !explicit {
		path = getEnv("DAYRUN_CONFIG", filepath.Join(dataDir, "config.yaml"))
		_, explicit = os.LookupEnv("DAYRUN_CONFIG")
	}
	if err := c.loadFile(path, explicit); err != nil {
		return nil, err
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}

	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "dayrun.db")
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func defaults(dataDir string) *Config {
	return &Config{
		DataDir:     dataDir,
		ProjectRoot: ".",
		Interpreter: "python",
		Env:         []string{"PYTHONUNBUFFERED=1"},
		JoinPolicy:  "warn",
		WaitDelay:   10 * time.Second,
		ListenAddr:  ":9310",
		LogLevel:    "info",
		LogFormat:   "text",
		Trigger: Trigger{
			Timezone:     "America/New_York",
			Hour:         11,
			Minute:       30,
			PollInterval: 30 * time.Second,
			Debounce:     60 * time.Second,
		},
	}
}

func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ProjectRoot = getEnv("DAYRUN_PROJECT_ROOT", c.ProjectRoot)
	c.PlanFile = getEnv("DAYRUN_PLAN", c.PlanFile)
	c.Interpreter = getEnv("DAYRUN_INTERPRETER", c.Interpreter)
	c.JoinPolicy = getEnv("DAYRUN_JOIN_POLICY", c.JoinPolicy)
	c.ListenAddr = getEnv("DAYRUN_LISTEN_ADDR", c.ListenAddr)
	c.LogLevel = strings.ToLower(getEnv("DAYRUN_LOG_LEVEL", c.LogLevel))
	c.LogFormat = strings.ToLower(getEnv("DAYRUN_LOG_FORMAT", c.LogFormat))
	c.Trigger.Timezone = getEnv("DAYRUN_TRIGGER_TZ", c.Trigger.Timezone)
	c.Trigger.Cron = getEnv("DAYRUN_TRIGGER_CRON", c.Trigger.Cron)

	if v, ok := os.LookupEnv("DAYRUN_KEYWORDS"); ok {
		c.Keywords = splitList(v)
	}

	if v, ok := os.LookupEnv("DAYRUN_TRIGGER_TIME"); ok {
		h, m, err := ParseClock(v)
		if err != nil {
			return fmt.Errorf("DAYRUN_TRIGGER_TIME: %w", err)
		}
		c.Trigger.Hour, c.Trigger.Minute = h, m
	}

	durations := map[string]*time.Duration{
		"DAYRUN_STAGE_TIMEOUT": &c.StageTimeout,
		"DAYRUN_WAIT_DELAY":    &c.WaitDelay,
		"DAYRUN_POLL_INTERVAL": &c.Trigger.PollInterval,
		"DAYRUN_DEBOUNCE":      &c.Trigger.Debounce,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("DAYRUN_RETENTION_DAYS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DAYRUN_RETENTION_DAYS: %w", err)
		}
		c.RetentionDays = n
	}

	return nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.LogsDir(), 0755)
}

func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ParseClock parses a "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
