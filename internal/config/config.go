package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// IMAPConfig holds the connection settings for the remote mailbox.
type IMAPConfig struct {
	// Host is the IMAP server hostname.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the IMAP server port.
	Port int `mapstructure:"port" yaml:"port"`

	// TLS selects implicit TLS; when false, STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Address is the account address, used both to log in and as the
	// mailbox identity in the index.
	Address string `mapstructure:"address" yaml:"address"`

	// Password is the account secret. Usually left empty in the file and
	// resolved from the environment or the OS keyring instead.
	Password string `mapstructure:"password" yaml:"password"`
}

// Config is the full application configuration. It is loaded once at
// startup and passed into the engine as an immutable value; no component
// reads ambient settings.
type Config struct {
	IMAP IMAPConfig `mapstructure:"imap" yaml:"imap"`

	// Folder is the mailbox folder to archive from.
	Folder string `mapstructure:"folder" yaml:"folder"`

	// ArchiveRoot is the directory holding the browse tree, the blob
	// store, and (by default) the index database.
	ArchiveRoot string `mapstructure:"archive_root" yaml:"archive_root"`

	// IndexPath is the index database file; defaults to
	// <archive_root>/archive.db.
	IndexPath string `mapstructure:"index_path" yaml:"index_path"`

	// DeleteAfterArchive enables mailbox deletion of fully archived
	// messages. Archiving alone never deletes.
	DeleteAfterArchive bool `mapstructure:"delete_after_archive" yaml:"delete_after_archive"`

	// MaxMessagesPerRun bounds how many new messages a single run picks
	// up; 0 means no bound.
	MaxMessagesPerRun int `mapstructure:"max_messages_per_run" yaml:"max_messages_per_run"`

	// MaxErrors stops a run early once this many messages have failed;
	// 0 disables the limit.
	MaxErrors int `mapstructure:"max_errors" yaml:"max_errors"`

	// Workers is the bounded concurrency of the processing phase.
	Workers int `mapstructure:"workers" yaml:"workers"`

	// RunTimeout cancels a run that exceeds it; 0 disables the timeout.
	RunTimeout time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`

	// PollInterval is the pause between passes in watch mode.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// LogDir, when set, adds a timestamped log file next to stdout logging.
	LogDir string `mapstructure:"log_dir" yaml:"log_dir"`
}

// PasswordEnvVar is consulted when the config file carries no password.
const PasswordEnvVar = "ARCHIVER_IMAP_PASSWORD"

// DefaultPath returns the default configuration file location,
// ~/.config/attachment-archiver/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "attachment-archiver", "config.yaml")
}

func defaultConfig() *Config {
	return &Config{
		IMAP:              IMAPConfig{Port: 993, TLS: true},
		Folder:            "INBOX",
		MaxMessagesPerRun: 100,
		MaxErrors:         5,
		Workers:           4,
		RunTimeout:        10 * time.Minute,
		PollInterval:      15 * time.Minute,
		LogLevel:          "info",
	}
}

// Load reads the YAML configuration at path. A missing file yields the
// defaults; validation is the caller's responsibility via Validate, after
// any credential resolution.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("folder", "INBOX")
	v.SetDefault("max_messages_per_run", 100)
	v.SetDefault("max_errors", 5)
	v.SetDefault("workers", 4)
	v.SetDefault("run_timeout", "10m")
	v.SetDefault("poll_interval", "15m")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.IMAP.Password == "" {
		cfg.IMAP.Password = os.Getenv(PasswordEnvVar)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if cfg.IndexPath == "" && cfg.ArchiveRoot != "" {
		cfg.IndexPath = filepath.Join(cfg.ArchiveRoot, "archive.db")
	}

	return cfg, nil
}

// Validate checks that the configuration is complete enough to run
// against a real mailbox.
func (c *Config) Validate() error {
	if c.IMAP.Host == "" {
		return fmt.Errorf("imap.host is required")
	}
	if c.IMAP.Address == "" {
		return fmt.Errorf("imap.address is required")
	}
	if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
		return fmt.Errorf("imap.port must be between 1 and 65535")
	}
	if c.ArchiveRoot == "" {
		return fmt.Errorf("archive_root is required")
	}
	if c.Folder == "" {
		return fmt.Errorf("folder is required")
	}
	if c.MaxMessagesPerRun < 0 {
		return fmt.Errorf("max_messages_per_run must not be negative")
	}
	if c.MaxErrors < 0 {
		return fmt.Errorf("max_errors must not be negative")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.RunTimeout < 0 {
		return fmt.Errorf("run_timeout must not be negative")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}

	return nil
}
