package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the runtime configuration snapshot passed into components. No
// ambient globals: every constructor receives the values it needs.
type Config struct {
	BaseURL     string `yaml:"base_url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	DownloadDir string `yaml:"download_dir"`
	DataDir     string `yaml:"data_dir"`

	Unzip           bool `yaml:"unzip"`
	DeleteZip       bool `yaml:"delete_zip"`
	DownloadWorkers int  `yaml:"download_workers"`
	PageWorkers     int  `yaml:"page_workers"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	ServerPort int    `yaml:"server_port"`
	LogLevel   string `yaml:"log_level"`
}

// ErrMissingCredentials is returned by RequireCredentials when no vendor
// login is configured.
var ErrMissingCredentials = errors.New("missing vendor credentials: set username/password in config.yml or VIBE_USERNAME/VIBE_PASSWORD")

func defaults() Config {
	return Config{
		BaseURL:             "https://www.karaoke-version.com",
		DownloadDir:         filepath.Join(xdg.UserDirs.Download, "vibesync"),
		DataDir:             filepath.Join(xdg.DataHome, "vibesync"),
		DownloadWorkers:     5,
		PageWorkers:         10,
		PollIntervalSeconds: 300,
		ServerPort:          4600,
		LogLevel:            "info",
	}
}

// DefaultPath returns the platform config file location.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "vibesync", "config.yml")
}

// Load reads configuration in three layers: built-in defaults, the yaml file
// at path (missing file is fine), then VIBE_* environment variables. A .env
// file in the working directory is folded into the environment first, so
// credentials can live outside the config file.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run; defaults plus env are enough.
	default:
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	// Best effort; absence of a .env file is the normal case.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if cfg.DownloadWorkers <= 0 {
		cfg.DownloadWorkers = 5
	}
	if cfg.PageWorkers <= 0 {
		cfg.PageWorkers = 10
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 300
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("VIBE_BASE_URL", &cfg.BaseURL)
	setString("VIBE_USERNAME", &cfg.Username)
	setString("VIBE_PASSWORD", &cfg.Password)
	setString("VIBE_DOWNLOAD_DIR", &cfg.DownloadDir)
	setString("VIBE_DATA_DIR", &cfg.DataDir)
	setString("VIBE_LOG_LEVEL", &cfg.LogLevel)
	setInt("VIBE_DOWNLOAD_WORKERS", &cfg.DownloadWorkers)
	setInt("VIBE_PAGE_WORKERS", &cfg.PageWorkers)
	setInt("VIBE_POLL_INTERVAL_SECONDS", &cfg.PollIntervalSeconds)
	setInt("VIBE_SERVER_PORT", &cfg.ServerPort)
}

// RequireCredentials validates that a vendor login is configured. Commands
// that only touch the local catalog skip this check.
func (c Config) RequireCredentials() error {
	if c.Username == "" || c.Password == "" {
		return ErrMissingCredentials
	}
	return nil
}
