package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Sandbox SandboxConfig `yaml:"sandbox"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type SessionConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ReapInterval    time.Duration `yaml:"reap_interval"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

type SandboxConfig struct {
	RunTimeout time.Duration           `yaml:"run_timeout"`
	Languages  map[string]LanguageSpec `yaml:"languages"`
}

// LanguageSpec maps a language identifier to the runtime command that
// evaluates a snippet passed inline as the final argument.
type LanguageSpec struct {
	Bin  string   `yaml:"bin"`
	Args []string `yaml:"args"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Session: SessionConfig{
			IdleTimeout:     15 * time.Minute,
			ReapInterval:    time.Minute,
			MaxMessageBytes: 1 << 20,
		},
		Sandbox: SandboxConfig{
			RunTimeout: 10 * time.Second,
			Languages: map[string]LanguageSpec{
				"python":     {Bin: "python3", Args: []string{"-c"}},
				"javascript": {Bin: "node", Args: []string{"-e"}},
			},
		},
	}
}

// Default returns the built-in configuration, used when no config file
// is given on the command line.
func Default() *Config {
	return defaultConfig()
}

// Load reads the yaml config at path. Omitted fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
