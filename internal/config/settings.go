package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"pacgen/internal/support"
)

type Config struct {
	Registry struct {
		URL          string `json:"url"`
		Country      string `json:"country"`
		RecordFile   string `json:"record_file"`
		ETagFile     string `json:"etag_file"`
		FetchTimeout Timer  `json:"fetch_timeout"`

		// UpstreamProxy is an optional socks5:// URL used to reach the registry.
		UpstreamProxy string `json:"upstream_proxy"`
		UserAgent     string `json:"user_agent"`
	} `json:"registry"`

	PAC struct {
		Proxy      string `json:"proxy"`
		OutputFile string `json:"output_file"`
	} `json:"pac"`

	Schedule struct {
		Cron string `json:"cron"`
	} `json:"schedule"`

	Server struct {
		Port int `json:"port"`
	} `json:"server"`

	History struct {
		Enabled bool `json:"enabled"`
	} `json:"history"`

	Distribution struct {
		Enabled bool `json:"enabled"`
	} `json:"distribution"`

	GeoLite struct {
		CountryDB   string `json:"country_db"`
		AuditSample int    `json:"audit_sample"`
	} `json:"geolite"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsFilePath = "data/settings.json"

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		panic("config: embedded default settings are invalid: " + err.Error())
	}
	configValue.Store(cfg)
}

// DefaultConfig returns the embedded defaults.
func DefaultConfig() Config {
	var cfg Config
	_ = json.Unmarshal(defaultConfig, &cfg)
	return cfg
}

// ReadSettings loads data/settings.json, creating it from the embedded defaults
// when missing, and then applies environment overrides. A settings file that
// cannot be read, parsed or validated is an error; the previous configuration
// stays in place.
func ReadSettings() error {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("config: read settings %s: %w", settingsFilePath, err)
		}
		log.Warn("Settings file not found, creating with default configuration", "path", settingsFilePath)

		if err := os.MkdirAll(filepath.Dir(settingsFilePath), 0o755); err != nil {
			log.Error("Error creating directory for settings file", "error", err)
		} else if err := os.WriteFile(settingsFilePath, defaultConfig, 0o644); err != nil {
			log.Error("Error writing default settings file", "error", err)
		}

		data = defaultConfig
	}

	newConfig := DefaultConfig()
	if err := json.Unmarshal(data, &newConfig); err != nil {
		return fmt.Errorf("config: parse settings %s: %w", settingsFilePath, err)
	}
	applyEnvOverrides(&newConfig)

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		return fmt.Errorf("config: settings %s: %w", settingsFilePath, err)
	}

	log.Debug("Settings file loaded successfully")
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Registry.URL = support.GetEnv("PACGEN_REGISTRY_URL", cfg.Registry.URL)
	cfg.Registry.Country = strings.ToUpper(support.GetEnv("PACGEN_COUNTRY", cfg.Registry.Country))
	cfg.Registry.UpstreamProxy = support.GetEnv("PACGEN_UPSTREAM_PROXY", cfg.Registry.UpstreamProxy)
	cfg.PAC.Proxy = support.GetEnv("PACGEN_PROXY", cfg.PAC.Proxy)
	cfg.PAC.OutputFile = support.GetEnv("PACGEN_OUTPUT", cfg.PAC.OutputFile)
	cfg.Server.Port = support.GetEnvInt("PACGEN_PORT", cfg.Server.Port)
	cfg.GeoLite.CountryDB = support.GetEnv("PACGEN_GEOLITE_COUNTRY_DB", cfg.GeoLite.CountryDB)
	cfg.History.Enabled = support.GetEnvBool("PACGEN_HISTORY", cfg.History.Enabled)
	cfg.Distribution.Enabled = support.GetEnvBool("PACGEN_DISTRIBUTION", cfg.Distribution.Enabled)
}

func SetConfig(newConfig Config) error {
	if err := applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, source: "local"}); err != nil {
		log.Error("Error applying configuration update", "error", err)
		return err
	}

	log.Debug("Configuration updated and written to file successfully")
	return nil
}

type configUpdateOptions struct {
	persistToFile bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	if err := Validate(newConfig); err != nil {
		return err
	}

	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	setSchedule(newConfig.Schedule.Cron)

	log.Debug("Configuration applied", "source", opts.source)

	if !opts.persistToFile {
		return nil
	}

	data, err := json.MarshalIndent(newConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal settings: %w", err)
	}
	if err := os.WriteFile(settingsFilePath, data, 0o644); err != nil {
		return fmt.Errorf("config: write settings: %w", err)
	}
	return nil
}

var (
	ErrMissingRegistryURL = errors.New("config: registry url is empty")
	ErrMissingCountry     = errors.New("config: registry country is empty")
	ErrMissingProxy       = errors.New("config: pac proxy is empty")
	ErrMissingOutput      = errors.New("config: pac output file is empty")
	ErrInvalidSchedule    = errors.New("config: schedule is not a valid cron spec")
)

func Validate(cfg Config) error {
	var errs []error
	if strings.TrimSpace(cfg.Registry.URL) == "" {
		errs = append(errs, ErrMissingRegistryURL)
	}
	if strings.TrimSpace(cfg.Registry.Country) == "" {
		errs = append(errs, ErrMissingCountry)
	}
	if strings.TrimSpace(cfg.PAC.Proxy) == "" {
		errs = append(errs, ErrMissingProxy)
	}
	if strings.TrimSpace(cfg.PAC.OutputFile) == "" {
		errs = append(errs, ErrMissingOutput)
	}
	if spec := cfg.Schedule.Cron; spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err))
		}
	}
	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}
