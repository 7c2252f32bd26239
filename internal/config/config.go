// Package config resolves the service configuration from defaults, an
// optional TOML file, YTFETCH_* environment variables and CLI flags, in
// that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultConfigFilePath = "config.toml"

	DefaultListenAddr  = ":8000"
	DefaultStoragePath = "/tmp/downloads"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"

	DefaultSlotTTLSec         = 300
	DefaultSlotMaxTTLSec      = 3600
	DefaultCleanupIntervalSec = 60
	DefaultDiskFloorMB        = 1024

	DefaultDownloadConcurrency    = 3
	DefaultDownloadQueueWaitSec   = 30
	DefaultDownloadTimeoutSec     = 3600
	DefaultDownloadMaxTimeoutSec  = 7200
	DefaultDownloadInlineMaxBytes = 50 * 1024 * 1024

	DefaultProbeTimeoutSec = 30

	DefaultExtractorBinary = "yt-dlp"
	DefaultUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// Config is the resolved service configuration.
type Config struct {
	ListenAddr  string `mapstructure:"listenaddr"`
	StoragePath string `mapstructure:"storagepath"`
	LogLevel    string `mapstructure:"loglevel"`
	LogFormat   string `mapstructure:"logformat"`

	SlotTTLSec         int `mapstructure:"slotttlsec"`
	SlotMaxTTLSec      int `mapstructure:"slotmaxttlsec"`
	CleanupIntervalSec int `mapstructure:"cleanupintervalsec"`
	DiskFloorMB        int `mapstructure:"diskfloormb"`

	Download DownloadConfig  `mapstructure:"download"`
	Extract  ExtractorConfig `mapstructure:"extract"`

	AllowedOrigins []string `mapstructure:"allowedorigins"`
	AllowedHosts   []string `mapstructure:"allowedhosts"`
}

// DownloadConfig tunes the orchestrator.
type DownloadConfig struct {
	Concurrency     int   `mapstructure:"concurrency"`
	QueueWaitSec    int   `mapstructure:"queuewaitsec"`
	TimeoutSec      int   `mapstructure:"timeoutsec"`
	MaxTimeoutSec   int   `mapstructure:"maxtimeoutsec"`
	InlineMaxBytes  int64 `mapstructure:"inlinemaxbytes"`
	ProbeTimeoutSec int   `mapstructure:"probetimeoutsec"`
}

// ExtractorConfig tunes the yt-dlp wrapper. CookiesB64 usually arrives
// via the YTFETCH_EXTRACT_COOKIESB64 environment variable rather than
// the config file.
type ExtractorConfig struct {
	Binary     string `mapstructure:"binary"`
	UserAgent  string `mapstructure:"useragent"`
	CookiesB64 string `mapstructure:"cookiesb64"`
	POTokenURL string `mapstructure:"potokenurl"`
}

// CliFlags holds pointers to values received from command-line flags.
// Nil fields indicate the flag was not provided by the user.
type CliFlags struct {
	ConfigFilePath *string
	ListenAddr     *string
	StoragePath    *string
	LogLevel       *string
	LogFormat      *string
	Concurrency    *int
	SlotTTLSec     *int
}

// setViperDefaults configures Viper with the application's default values.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("listenaddr", DefaultListenAddr)
	v.SetDefault("storagepath", DefaultStoragePath)
	v.SetDefault("loglevel", DefaultLogLevel)
	v.SetDefault("logformat", DefaultLogFormat)
	v.SetDefault("slotttlsec", DefaultSlotTTLSec)
	v.SetDefault("slotmaxttlsec", DefaultSlotMaxTTLSec)
	v.SetDefault("cleanupintervalsec", DefaultCleanupIntervalSec)
	v.SetDefault("diskfloormb", DefaultDiskFloorMB)
	v.SetDefault("allowedorigins", []string{"*"})
	v.SetDefault("allowedhosts", []string{})

	v.SetDefault("download.concurrency", DefaultDownloadConcurrency)
	v.SetDefault("download.queuewaitsec", DefaultDownloadQueueWaitSec)
	v.SetDefault("download.timeoutsec", DefaultDownloadTimeoutSec)
	v.SetDefault("download.maxtimeoutsec", DefaultDownloadMaxTimeoutSec)
	v.SetDefault("download.inlinemaxbytes", DefaultDownloadInlineMaxBytes)
	v.SetDefault("download.probetimeoutsec", DefaultProbeTimeoutSec)

	v.SetDefault("extract.binary", DefaultExtractorBinary)
	v.SetDefault("extract.useragent", DefaultUserAgent)
	v.SetDefault("extract.cookiesb64", "")
	v.SetDefault("extract.potokenurl", "")
}

// Initialize resolves the configuration hierarchy. A missing config
// file is not an error; anything else that prevents a usable config is.
func Initialize(flags CliFlags) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("YTFETCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setViperDefaults(v)

	configPath := DefaultConfigFilePath
	if flags.ConfigFilePath != nil {
		configPath = *flags.ConfigFilePath
	}
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Debugf("Config file '%s' not found, using defaults and environment", configPath)
		} else {
			log.Warnf("Error reading config file '%s': %v. Using defaults and environment.", configPath, err)
		}
	} else {
		log.Infof("Loaded config file: %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if flags.ListenAddr != nil {
		cfg.ListenAddr = *flags.ListenAddr
	}
	if flags.StoragePath != nil {
		cfg.StoragePath = *flags.StoragePath
	}
	if flags.LogLevel != nil {
		cfg.LogLevel = *flags.LogLevel
	}
	if flags.LogFormat != nil {
		cfg.LogFormat = *flags.LogFormat
	}
	if flags.Concurrency != nil {
		cfg.Download.Concurrency = *flags.Concurrency
	}
	if flags.SlotTTLSec != nil {
		cfg.SlotTTLSec = *flags.SlotTTLSec
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q, must be text or json", c.LogFormat)
	}
	if c.SlotTTLSec <= 0 {
		return fmt.Errorf("slot TTL must be positive, got %d", c.SlotTTLSec)
	}
	if c.SlotTTLSec > c.SlotMaxTTLSec {
		return fmt.Errorf("slot TTL %ds exceeds the maximum %ds", c.SlotTTLSec, c.SlotMaxTTLSec)
	}
	if c.CleanupIntervalSec <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %d", c.CleanupIntervalSec)
	}
	if c.Download.Concurrency <= 0 {
		return fmt.Errorf("download concurrency must be positive, got %d", c.Download.Concurrency)
	}
	if c.Download.TimeoutSec > c.Download.MaxTimeoutSec {
		return fmt.Errorf("default download timeout %ds exceeds the maximum %ds", c.Download.TimeoutSec, c.Download.MaxTimeoutSec)
	}
	if c.StoragePath == "" {
		return fmt.Errorf("storage path must not be empty")
	}
	return nil
}

// SlotTTL returns the slot time-to-live as a duration.
func (c *Config) SlotTTL() time.Duration {
	return time.Duration(c.SlotTTLSec) * time.Second
}

// CleanupInterval returns the sweep cadence as a duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

// DiskFloorBytes returns the free-space floor in bytes.
func (c *Config) DiskFloorBytes() uint64 {
	return uint64(c.DiskFloorMB) * 1024 * 1024
}

// QueueWait returns the bounded queue window as a duration.
func (c *DownloadConfig) QueueWait() time.Duration {
	return time.Duration(c.QueueWaitSec) * time.Second
}

// Timeout returns the default per-download deadline as a duration.
func (c *DownloadConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// MaxTimeout returns the per-download deadline ceiling as a duration.
func (c *DownloadConfig) MaxTimeout() time.Duration {
	return time.Duration(c.MaxTimeoutSec) * time.Second
}

// ProbeTimeout returns the metadata probe deadline as a duration.
func (c *DownloadConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}
