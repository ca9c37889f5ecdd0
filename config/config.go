// Package config loads service configuration from a YAML file with
// environment overrides for secrets.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Broker struct {
		WSURL       string `yaml:"ws_url"`
		AppID       int    `yaml:"app_id"`
		LoginURL    string `yaml:"login_url"`
		RegisterURL string `yaml:"register_url"`
		Affiliate   string `yaml:"affiliate"`
	} `yaml:"broker"`

	Vision struct {
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
		APIKey  string `yaml:"-"`
	} `yaml:"vision"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Images struct {
		Dir     string `yaml:"dir"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"images"`

	JournalDir string `yaml:"journal_dir"`
}

// Get loads configuration from the --config YAML file, falling back to
// defaults when no file is given. Secrets always come from the
// environment: VISION_API_KEY, and optionally BROKER_SSID_APP_ID to
// override the app id.
func Get() (Config, error) {
	path := flag.String("config", "", "path to yaml config")
	flag.Parse()

	cfg := defaults()

	if *path != "" {
		raw, err := os.ReadFile(*path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Vision.APIKey = os.Getenv("VISION_API_KEY")
	if cfg.Vision.APIKey == "" {
		return Config{}, fmt.Errorf("VISION_API_KEY environment variable must be set")
	}

	if v := os.Getenv("BROKER_APP_ID"); v != "" {
		appID, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BROKER_APP_ID %q: %w", v, err)
		}
		cfg.Broker.AppID = appID
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	var cfg Config
	cfg.ListenAddr = ":8080"
	cfg.Vision.BaseURL = "https://api.openai.com/v1"
	cfg.Database.DSN = "tradebridge.db"
	cfg.Images.Dir = "./data/img"
	cfg.Images.BaseURL = "http://localhost:8080/img"
	cfg.JournalDir = "./wal/automation"
	return cfg
}

func validate(cfg Config) error {
	if cfg.Broker.WSURL == "" {
		return fmt.Errorf("broker.ws_url is required")
	}
	if cfg.Broker.LoginURL == "" || cfg.Broker.RegisterURL == "" {
		return fmt.Errorf("broker.login_url and broker.register_url are required")
	}
	if cfg.Broker.AppID == 0 {
		return fmt.Errorf("broker.app_id is required")
	}
	return nil
}
