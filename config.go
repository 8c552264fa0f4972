package main

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"offerclip/internal/offers"
	"offerclip/internal/portal"
)

type Config struct {
	OffersURL string `yaml:"offers_url"`
	HomeURL   string `yaml:"home_url"`

	Accounts []AccountConfig `yaml:"accounts"`

	BrowserProfileRoot string `yaml:"browser_profile_root"`

	PageTimeoutSeconds    int     `yaml:"page_timeout_seconds"`
	OffersRetryMax        int     `yaml:"offers_retry_max"`
	OffersRetryDelay      float64 `yaml:"offers_retry_delay_seconds"`
	ClicksPerSecond       float64 `yaml:"clicks_per_second"`
	ClickBurst            int     `yaml:"click_burst"`
	MaxConcurrentAccounts int     `yaml:"max_concurrent_accounts"`

	Retry RetryConfig `yaml:"retry"`

	LedgerPath string `yaml:"ledger_path"`

	Headless        bool `yaml:"headless"`
	KeepBrowserOpen bool `yaml:"keep_browser_open"`

	DebugMode bool      `yaml:"debug_mode"`
	Log       LogConfig `yaml:"log"`

	Selectors        portal.Selectors `yaml:"selectors"`
	ActivatedMarkers []offers.Marker  `yaml:"activated_markers"`
	KeyAttributes    []string         `yaml:"key_attributes"`
}

// AccountConfig is one portal login. Cards, when set, restricts the run to
// those card labels.
type AccountConfig struct {
	Name        string   `yaml:"name"`
	ProfilePath string   `yaml:"profile_path"`
	Cards       []string `yaml:"cards"`
}

type RetryConfig struct {
	MaxRetriesPerOffer int     `yaml:"max_retries_per_offer"`
	MaxScanCycles      int     `yaml:"max_scan_cycles"`
	BackoffMs          int     `yaml:"backoff_ms"`
	MaxBackoffMs       int     `yaml:"max_backoff_ms"`
	JitterFraction     float64 `yaml:"jitter_fraction"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	userDataDir := getUserDataDir()
	policy := offers.DefaultRetryPolicyConfig()

	return &Config{
		OffersURL: "",
		HomeURL:   "",
		Accounts: []AccountConfig{
			{Name: "default"},
		},
		BrowserProfileRoot:    filepath.Join(userDataDir, "profiles"),
		PageTimeoutSeconds:    30,
		OffersRetryMax:        8,
		OffersRetryDelay:      2,
		ClicksPerSecond:       1.5,
		ClickBurst:            1,
		MaxConcurrentAccounts: 2,
		Retry: RetryConfig{
			MaxRetriesPerOffer: policy.MaxRetriesPerOffer,
			MaxScanCycles:      policy.MaxScanCycles,
			BackoffMs:          int(policy.RetryBackoff / time.Millisecond),
			MaxBackoffMs:       int(policy.MaxBackoff / time.Millisecond),
			JitterFraction:     policy.JitterFraction,
		},
		LedgerPath:       filepath.Join(userDataDir, "ledger.db"),
		Headless:         false,
		KeepBrowserOpen:  false,
		DebugMode:        false,
		Log:              LogConfig{Level: "info", Format: "console"},
		Selectors:        portal.DefaultSelectors(),
		ActivatedMarkers: offers.DefaultMarkers(),
		KeyAttributes:    []string{"data-offer-id", "data-testid", "id"},
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read %s", path)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, eris.Wrapf(err, "config: parse %s", path)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	for _, acct := range config.Accounts {
		if err := os.MkdirAll(config.ProfilePath(acct), 0755); err != nil {
			return nil, eris.Wrapf(err, "config: create profile dir for %s", acct.Name)
		}
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "config: marshal")
	}

	return eris.Wrapf(os.WriteFile(path, data, 0644), "config: write %s", path)
}

// Validate rejects configs that cannot drive a run.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return eris.New("config: at least one account is required")
	}
	seen := map[string]bool{}
	for _, a := range c.Accounts {
		if strings.TrimSpace(a.Name) == "" {
			return eris.New("config: account name is required")
		}
		if seen[a.Name] {
			return eris.Errorf("config: duplicate account %q", a.Name)
		}
		seen[a.Name] = true
	}
	if c.Selectors.OfferTile == "" {
		return eris.New("config: selectors.offer_tile is required")
	}
	if c.MaxConcurrentAccounts < 1 {
		c.MaxConcurrentAccounts = 1
	}
	return nil
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ProfilePath is the browser user-data dir for an account. Each account gets
// its own so sessions and cookies never mix.
func (c *Config) ProfilePath(a AccountConfig) string {
	if a.ProfilePath != "" {
		return a.ProfilePath
	}
	return filepath.Join(c.BrowserProfileRoot, unsafePathChars.ReplaceAllString(a.Name, "_"))
}

// RetryPolicy builds the engine policy for one session label.
func (c *Config) RetryPolicy(label string) offers.RetryPolicyConfig {
	return offers.RetryPolicyConfig{
		MaxRetriesPerOffer: c.Retry.MaxRetriesPerOffer,
		MaxScanCycles:      c.Retry.MaxScanCycles,
		RetryBackoff:       time.Duration(c.Retry.BackoffMs) * time.Millisecond,
		MaxBackoff:         time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond,
		JitterFraction:     c.Retry.JitterFraction,
		OnRetry:            offers.RetryLogger(label),
	}
}

func (c *Config) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutSeconds) * time.Second
}

func (c *Config) Navigation() portal.Navigation {
	return portal.Navigation{
		HomeURL:     c.HomeURL,
		MaxAttempts: c.OffersRetryMax,
		Delay:       time.Duration(c.OffersRetryDelay * float64(time.Second)),
	}
}

func initLogger(cfg LogConfig, debug bool) error {
	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	levelName := cfg.Level
	if debug {
		levelName = "debug"
	}
	if levelName == "" {
		levelName = "info"
	}
	level, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
