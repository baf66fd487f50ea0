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

type Config struct {
	Service       ServiceConfig `yaml:"service"`
	Session       SessionConfig `yaml:"session"`
	Observability ObsConfig     `yaml:"observability"`
}

type ServiceConfig struct {
	ControlPort         int    `yaml:"control_port"`
	ProxyPort           int    `yaml:"proxy_port"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	IdleShutdownSeconds int    `yaml:"idle_shutdown_seconds"`
	PermissiveMode      bool   `yaml:"permissive_mode"`
	BinaryPath          string `yaml:"binary_path"`
	BaseDir             string `yaml:"base_dir"`
	CertificateDir      string `yaml:"certificate_dir"`
	KeyringPath         string `yaml:"keyring_path"`
	ArchiveKeyID        string `yaml:"archive_key_id"`
	StartTimeoutSeconds int    `yaml:"start_timeout_seconds"`
	StopTimeoutSeconds  int    `yaml:"stop_timeout_seconds"`
}

type SessionConfig struct {
	Policy         string `yaml:"policy"`
	StrictTeardown bool   `yaml:"strict_teardown"`
	StateFile      string `yaml:"state_file"`
}

type ObsConfig struct {
	LogLevel string `yaml:"log_level"`
}

// Auth is the credential passed to the fetch-service via FETCH_SERVICE_AUTH
// and checked by its control API.
func (s ServiceConfig) Auth() string {
	return s.Username + ":" + s.Password
}

func (s ServiceConfig) ControlBaseURL() string {
	return fmt.Sprintf("http://localhost:%d", s.ControlPort)
}

func (s ServiceConfig) LogPath() string {
	return filepath.Join(s.BaseDir, "fetch-service.log")
}

func (s ServiceConfig) ConfigDir() string {
	return filepath.Join(s.BaseDir, "config")
}

func (s ServiceConfig) SpoolDir() string {
	return filepath.Join(s.BaseDir, "spool")
}

func Default() Config {
	base := defaultBaseDir()
	return Config{
		Service: ServiceConfig{
			ControlPort:         13444,
			ProxyPort:           13443,
			Username:            "craft",
			Password:            "craft",
			IdleShutdownSeconds: 300,
			PermissiveMode:      true,
			BinaryPath:          "/snap/fetch-service/current/usr/bin/fetch-service",
			BaseDir:             base,
			CertificateDir:      filepath.Join(base, "fetch-certificate"),
			KeyringPath:         "/snap/fetch-service/current/usr/share/keyrings/ubuntu-archive-keyring.gpg",
			ArchiveKeyID:        "F6ECB3762474EDA9D21B7022871920D1991BC93C",
			StartTimeoutSeconds: 20,
			StopTimeoutSeconds:  10,
		},
		Session: SessionConfig{
			Policy:         "permissive",
			StrictTeardown: true,
			StateFile:      filepath.Join(base, "active-session.json"),
		},
		Observability: ObsConfig{LogLevel: "info"},
	}
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/fetch-agent"
	}
	return filepath.Join(home, "snap", "fetch-service", "common")
}

// Load builds the effective configuration: defaults, then the YAML file
// (explicit path, or FETCH_AGENT_CONFIG_FILE when empty), then env overrides.
func Load(configFile string) (Config, error) {
	cfg := Default()

	if configFile == "" {
		configFile = os.Getenv("FETCH_AGENT_CONFIG_FILE")
	}
	if configFile != "" {
		if err := loadYAML(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setInt(&cfg.Service.ControlPort, "FETCH_AGENT_CONTROL_PORT")
	setInt(&cfg.Service.ProxyPort, "FETCH_AGENT_PROXY_PORT")
	setString(&cfg.Service.Username, "FETCH_AGENT_USERNAME")
	setString(&cfg.Service.Password, "FETCH_AGENT_PASSWORD")
	setInt(&cfg.Service.IdleShutdownSeconds, "FETCH_AGENT_IDLE_SHUTDOWN_SECONDS")
	setBool(&cfg.Service.PermissiveMode, "FETCH_AGENT_PERMISSIVE_MODE")
	setString(&cfg.Service.BinaryPath, "FETCH_AGENT_BINARY_PATH")
	setString(&cfg.Service.BaseDir, "FETCH_AGENT_BASE_DIR")
	setString(&cfg.Service.CertificateDir, "FETCH_AGENT_CERTIFICATE_DIR")
	setString(&cfg.Service.KeyringPath, "FETCH_AGENT_KEYRING_PATH")
	setString(&cfg.Service.ArchiveKeyID, "FETCH_AGENT_ARCHIVE_KEY_ID")
	setInt(&cfg.Service.StartTimeoutSeconds, "FETCH_AGENT_START_TIMEOUT_SECONDS")
	setInt(&cfg.Service.StopTimeoutSeconds, "FETCH_AGENT_STOP_TIMEOUT_SECONDS")

	setString(&cfg.Session.Policy, "FETCH_AGENT_SESSION_POLICY")
	setBool(&cfg.Session.StrictTeardown, "FETCH_AGENT_STRICT_TEARDOWN")
	setString(&cfg.Session.StateFile, "FETCH_AGENT_STATE_FILE")

	setString(&cfg.Observability.LogLevel, "FETCH_AGENT_LOG_LEVEL")
}

func Validate(cfg Config) error {
	if cfg.Service.ControlPort <= 0 || cfg.Service.ControlPort > 65535 {
		return fmt.Errorf("invalid control port: %d", cfg.Service.ControlPort)
	}
	if cfg.Service.ProxyPort <= 0 || cfg.Service.ProxyPort > 65535 {
		return fmt.Errorf("invalid proxy port: %d", cfg.Service.ProxyPort)
	}
	if cfg.Service.ControlPort == cfg.Service.ProxyPort {
		return errors.New("control port and proxy port must differ")
	}
	if cfg.Service.Username == "" || cfg.Service.Password == "" {
		return errors.New("service username and password are required")
	}
	if cfg.Service.IdleShutdownSeconds <= 0 {
		return errors.New("idle shutdown must be > 0 seconds")
	}
	if cfg.Service.BinaryPath == "" {
		return errors.New("service binary path is required")
	}
	if cfg.Service.BaseDir == "" {
		return errors.New("base dir is required")
	}
	if cfg.Service.CertificateDir == "" {
		return errors.New("certificate dir is required")
	}
	if cfg.Service.StartTimeoutSeconds <= 0 || cfg.Service.StopTimeoutSeconds <= 0 {
		return errors.New("timeout values must be > 0")
	}
	switch strings.ToLower(cfg.Session.Policy) {
	case "permissive", "strict":
	default:
		return fmt.Errorf("invalid session policy: %s", cfg.Session.Policy)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}
