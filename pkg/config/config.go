// Package config loads the service configuration from a YAML file with
// environment variable overrides. Flags beat env, env beats file, file
// beats defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds everything the serve and worker commands need.
type Config struct {
	HTTPPort   int     `yaml:"http_port"`
	NATSURL    string  `yaml:"nats_url"`
	JobSubject string  `yaml:"job_subject"`
	Workers    int     `yaml:"workers"`
	JobsPerSec float64 `yaml:"jobs_per_sec"`
	JobBurst   int     `yaml:"job_burst"`
	Neo4jURL   string  `yaml:"neo4j_url"`
	Neo4jUser  string  `yaml:"neo4j_user"`
	Neo4jPass  string  `yaml:"neo4j_pass"`
	OutputDir  string  `yaml:"output_dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPPort:   8080,
		NATSURL:    "nats://localhost:4222",
		JobSubject: "gridweave.convert.jobs",
		Workers:    4,
		JobsPerSec: 10,
		JobBurst:   20,
		Neo4jURL:   "neo4j://localhost:7687",
		Neo4jUser:  "neo4j",
		Neo4jPass:  "password",
		OutputDir:  "out",
	}
}

// Load reads a YAML file over the defaults, then applies env overrides.
// An empty path skips the file and uses defaults + env only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("GRIDWEAVE_NATS_URL", &c.NATSURL)
	envStr("GRIDWEAVE_JOB_SUBJECT", &c.JobSubject)
	envStr("GRIDWEAVE_NEO4J_URL", &c.Neo4jURL)
	envStr("GRIDWEAVE_NEO4J_USER", &c.Neo4jUser)
	envStr("GRIDWEAVE_NEO4J_PASS", &c.Neo4jPass)
	envStr("GRIDWEAVE_OUTPUT_DIR", &c.OutputDir)
	envInt("GRIDWEAVE_HTTP_PORT", &c.HTTPPort)
	envInt("GRIDWEAVE_WORKERS", &c.Workers)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range", c.HTTPPort)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.JobSubject == "" {
		return fmt.Errorf("job_subject must not be empty")
	}
	return nil
}
