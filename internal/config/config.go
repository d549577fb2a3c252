// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config resolves process configuration from the environment,
// an optional .env file, and an optional HCL override file. Environment
// variables use the ICS_GUARD_ prefix and win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/joho/godotenv"
)

const envPrefix = "ICS_GUARD_"

// Config holds every tunable the process reads at startup.
type Config struct {
	// Controller connectivity.
	ControllerBaseURL      string `hcl:"controller_base_url,optional"`
	ControllerClientID     string `hcl:"controller_client_id,optional"`
	ControllerClientSecret string `hcl:"controller_client_secret,optional"`
	ControllerWSBaseURL    string `hcl:"controller_ws_base_url,optional"`
	EnableControllerWS     bool   `hcl:"enable_controller_ws,optional"`

	// UI event stream.
	UIWSHost string `hcl:"ui_ws_host,optional"`
	UIWSPort int    `hcl:"ui_ws_port,optional"`

	// Application REST listener.
	ListenAddr string `hcl:"listen_addr,optional"`

	// Model artifacts.
	ModelDir       string `hcl:"model_dir,optional"`
	ModelFile      string `hcl:"model_file,optional"`
	FeaturesFile   string `hcl:"features_file,optional"`
	ThresholdsFile string `hcl:"thresholds_file,optional"`

	// Decision thresholds.
	ThresholdAlert    float64 `hcl:"threshold_alert,optional"`
	ThresholdThrottle float64 `hcl:"threshold_throttle,optional"`
	ThresholdBlock    float64 `hcl:"threshold_block,optional"`
	ThresholdRedirect float64 `hcl:"threshold_redirect,optional"`

	// Storage.
	DatabaseURL string `hcl:"database_url,optional"`

	// Session signing and admin seeding.
	SecretKey string `hcl:"secret_key,optional"`

	// Logging.
	LogLevel string `hcl:"log_level,optional"`
	LogJSON  bool   `hcl:"log_json,optional"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ControllerBaseURL:      "http://localhost:8080",
		ControllerClientID:     "app-layer-client",
		ControllerClientSecret: "app-layer-secret",
		ControllerWSBaseURL:    "ws://localhost:8080",
		EnableControllerWS:     true,
		UIWSHost:               "0.0.0.0",
		UIWSPort:               8766,
		ListenAddr:             ":8000",
		ModelDir:               "models",
		ModelFile:              "model.json",
		FeaturesFile:           "features.yaml",
		ThresholdsFile:         "thresholds.yaml",
		ThresholdAlert:         0.3,
		ThresholdThrottle:      0.6,
		ThresholdBlock:         0.8,
		ThresholdRedirect:      0.9,
		DatabaseURL:            "ics_guard.db",
		SecretKey:              "dev-secret-key",
		LogLevel:               "info",
		LogJSON:                false,
	}
}

// Load builds the effective configuration: defaults, then the optional
// HCL file, then .env, then real environment variables.
func Load(hclPath string) (*Config, error) {
	cfg := Default()

	if hclPath != "" {
		if err := hclsimple.DecodeFile(hclPath, nil, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", hclPath, err)
		}
	}

	// Missing .env is fine; explicit env always wins because godotenv
	// does not overwrite variables that are already set.
	_ = godotenv.Load()

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.ControllerBaseURL, "CONTROLLER_BASE_URL")
	envString(&c.ControllerClientID, "CONTROLLER_CLIENT_ID")
	envString(&c.ControllerClientSecret, "CONTROLLER_CLIENT_SECRET")
	envString(&c.ControllerWSBaseURL, "CONTROLLER_WS_BASE_URL")
	envBool(&c.EnableControllerWS, "ENABLE_CONTROLLER_WS")
	envString(&c.UIWSHost, "UI_WS_HOST")
	envInt(&c.UIWSPort, "UI_WS_PORT")
	envString(&c.ListenAddr, "LISTEN_ADDR")
	envString(&c.ModelDir, "MODEL_DIR")
	envString(&c.ModelFile, "MODEL_FILE")
	envString(&c.FeaturesFile, "FEATURES_FILE")
	envString(&c.ThresholdsFile, "THRESHOLDS_FILE")
	envFloat(&c.ThresholdAlert, "THRESHOLD_ALERT")
	envFloat(&c.ThresholdThrottle, "THRESHOLD_THROTTLE")
	envFloat(&c.ThresholdBlock, "THRESHOLD_BLOCK")
	envFloat(&c.ThresholdRedirect, "THRESHOLD_REDIRECT")
	envString(&c.DatabaseURL, "DATABASE_URL")
	envString(&c.SecretKey, "SECRET_KEY")
	envString(&c.LogLevel, "LOG_LEVEL")
	envBool(&c.LogJSON, "LOG_JSON")
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.ControllerBaseURL == "" {
		return fmt.Errorf("controller base URL must not be empty")
	}
	if c.UIWSPort <= 0 || c.UIWSPort > 65535 {
		return fmt.Errorf("invalid UI WS port %d", c.UIWSPort)
	}
	if !(c.ThresholdAlert <= c.ThresholdThrottle &&
		c.ThresholdThrottle <= c.ThresholdBlock &&
		c.ThresholdBlock <= c.ThresholdRedirect) {
		return fmt.Errorf("thresholds must be ordered alert <= throttle <= block <= redirect")
	}
	return nil
}

// UIWSAddr returns the listen address for the UI event stream.
func (c *Config) UIWSAddr() string {
	return fmt.Sprintf("%s:%d", c.UIWSHost, c.UIWSPort)
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = v
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}
