package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the tower server.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	DatabasePath    string
	LogLevel        string

	// PlantLibrary is a JSON or YAML plant file; empty uses the built-in library.
	PlantLibrary string
	// MQTTUpstream is an external broker to bridge scanner reads from.
	MQTTUpstream string

	NFCEnabled      bool
	QREnabled       bool
	ScanTimeout     time.Duration
	QRFrameInterval time.Duration
	MDNSEnabled     bool
	DefaultSlots    int

	PerenualAPIKey  string
	PerenualBaseURL string
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultDatabasePath    = "data/gryns.db"
	defaultLogLevel        = "info"
	defaultScanTimeout     = 15 * time.Second
	defaultFrameInterval   = 100 * time.Millisecond
	defaultSlots           = 12
	defaultPerenualBaseURL = "https://perenual.com/api"

	minSlots = 1
	maxSlots = 99
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		NFCEnabled:      true,
		QREnabled:       true,
		ScanTimeout:     defaultScanTimeout,
		QRFrameInterval: defaultFrameInterval,
		MDNSEnabled:     true,
		DefaultSlots:    defaultSlots,
		PerenualBaseURL: defaultPerenualBaseURL,
	}

	if v := os.Getenv("GRYNS_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid GRYNS_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("GRYNS_MQTT_BIND"); v != "" {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("GRYNS_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("GRYNS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.PlantLibrary = os.Getenv("GRYNS_PLANT_LIBRARY")
	cfg.MQTTUpstream = os.Getenv("GRYNS_MQTT_UPSTREAM")
	cfg.PerenualAPIKey = os.Getenv("GRYNS_PERENUAL_API_KEY")
	if v := os.Getenv("GRYNS_PERENUAL_BASE_URL"); v != "" {
		cfg.PerenualBaseURL = v
	}

	var err error
	if cfg.NFCEnabled, err = boolEnv("GRYNS_NFC_ENABLED", cfg.NFCEnabled); err != nil {
		return Config{}, err
	}
	if cfg.QREnabled, err = boolEnv("GRYNS_QR_ENABLED", cfg.QREnabled); err != nil {
		return Config{}, err
	}
	if cfg.MDNSEnabled, err = boolEnv("GRYNS_MDNS", cfg.MDNSEnabled); err != nil {
		return Config{}, err
	}
	if cfg.ScanTimeout, err = durationEnv("GRYNS_SCAN_TIMEOUT", cfg.ScanTimeout); err != nil {
		return Config{}, err
	}
	if cfg.QRFrameInterval, err = durationEnv("GRYNS_QR_FRAME_INTERVAL", cfg.QRFrameInterval); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("GRYNS_DEFAULT_SLOTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid GRYNS_DEFAULT_SLOTS: %w", err)
		}
		cfg.DefaultSlots = ClampSlots(n)
	}

	return cfg, nil
}

// ClampSlots bounds a requested slot count to what a tower can hold.
func ClampSlots(n int) int {
	if n < minSlots {
		return minSlots
	}
	if n > maxSlots {
		return maxSlots
	}
	return n
}

func boolEnv(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
