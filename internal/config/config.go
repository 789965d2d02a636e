package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.yaml.in/yaml/v3"

	"github.com/vmarkovic/upflow/pkg/accounts"
	"github.com/vmarkovic/upflow/pkg/scheduler"
	"github.com/vmarkovic/upflow/pkg/sessions"
)

// Config is the full runtime configuration. Policy constants (health
// rewards/penalties, thresholds, backoff) live here rather than as code
// constants; the shipped defaults are a tuning starting point, not derived
// values.
type Config struct {
	DB         string `yaml:"db"`          // Postgres connection string
	HTTPPort   string `yaml:"http_port"`   // operational HTTP surface
	BrowserAPI string `yaml:"browser_api"` // automation provider base URL
	AgentAPI   string `yaml:"agent_api"`   // upload agent base URL

	Accounts  accounts.Policy  `yaml:"accounts"`
	Sessions  sessions.Config  `yaml:"sessions"`
	Scheduler scheduler.Config `yaml:"scheduler"`
}

func Default() Config {
	return Config{
		HTTPPort:   "8750",
		BrowserAPI: "http://127.0.0.1:54345",
		AgentAPI:   "http://127.0.0.1:51050",
		Accounts:   accounts.DefaultPolicy(),
		Sessions:   sessions.DefaultConfig(),
		Scheduler:  scheduler.DefaultConfig(),
	}
}

// Load reads the YAML config file when path is non-empty and applies
// environment overrides on top. A missing .env file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	// .env is optional; variables land in the process environment
	_ = godotenv.Load()

	if v := os.Getenv("UPFLOW_DB"); v != "" {
		cfg.DB = v
	} else if cfg.DB == "" {
		cfg.DB = connStrFromEnv()
	}
	if v := os.Getenv("UPFLOW_HTTP_PORT"); v != "" {
		cfg.HTTPPort = v
	}
	if v := os.Getenv("UPFLOW_BROWSER_API"); v != "" {
		cfg.BrowserAPI = v
	}
	if v := os.Getenv("UPFLOW_AGENT_API"); v != "" {
		cfg.AgentAPI = v
	}
	return cfg, nil
}

// connStrFromEnv builds a Postgres connection string from DB_* variables,
// matching what the migrate command accepts.
func connStrFromEnv() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}
