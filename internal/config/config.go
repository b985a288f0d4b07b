// Package config loads server configuration from environment variables.
//
// Optional variables:
//   - FLAGS_FILE_PATH: path of the shared targeting document
//     (default "../Garage.AppHost/flags/flagd.json").
//   - OFREP_ENDPOINT: base URL of the flag-evaluation (OFREP) endpoint.
//     When unset the permission oracle is disabled and every write is
//     refused.
//   - PREVIEW_FLAG_KEY: flag consulted for edit permissions
//     (default "enable-preview-mode").
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080");
//     PORT is honoured as a fallback for compatibility with the
//     orchestrator's conventions.
//   - LOG_LEVEL: minimum log level (default "info").
//   - ORACLE_TIMEOUT: bound on a single oracle evaluation
//     (default "2s", must be > 0 if set).
//   - ORACLE_CACHE_TTL: how long a non-empty editable set is reused
//     (default "0" = no caching, must be >= 0 if set).
//   - WRITE_RATE_LIMIT: per-IP targeting mutations per minute
//     (default "0" = unlimited, must be >= 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultFlagsFilePath   = "../Garage.AppHost/flags/flagd.json"
	defaultHTTPAddr        = ":8080"
	defaultPreviewFlagKey  = "enable-preview-mode"
	defaultOracleTimeout   = 2 * time.Second
	defaultMaxJSONBodySize = int64(1 << 20) // 1MB
)

// Config holds the runtime configuration for the targeting server.
type Config struct {
	FlagsFilePath   string
	OFREPEndpoint   string
	PreviewFlagKey  string
	HTTPAddr        string
	LogLevel        string
	OracleTimeout   time.Duration
	OracleCacheTTL  time.Duration
	WriteRateLimit  int
	MaxJSONBodySize int64
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if optional values fail validation.
func Load() (Config, error) {
	httpAddr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	if httpAddr == "" {
		if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
			httpAddr = ":" + port
		} else {
			httpAddr = defaultHTTPAddr
		}
	}

	oracleTimeout := defaultOracleTimeout
	if value := strings.TrimSpace(os.Getenv("ORACLE_TIMEOUT")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ORACLE_TIMEOUT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("ORACLE_TIMEOUT must be > 0")
		}
		oracleTimeout = parsed
	}

	var oracleCacheTTL time.Duration
	if value := strings.TrimSpace(os.Getenv("ORACLE_CACHE_TTL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse ORACLE_CACHE_TTL: %w", err)
		}
		if parsed < 0 {
			return Config{}, errors.New("ORACLE_CACHE_TTL must be >= 0")
		}
		oracleCacheTTL = parsed
	}

	var writeRateLimit int
	if value := strings.TrimSpace(os.Getenv("WRITE_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			return Config{}, errors.New("WRITE_RATE_LIMIT must be a non-negative integer")
		}
		writeRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if value := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil || parsed < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = parsed
	}

	return Config{
		FlagsFilePath:   envOrDefault("FLAGS_FILE_PATH", defaultFlagsFilePath),
		OFREPEndpoint:   strings.TrimSpace(os.Getenv("OFREP_ENDPOINT")),
		PreviewFlagKey:  envOrDefault("PREVIEW_FLAG_KEY", defaultPreviewFlagKey),
		HTTPAddr:        httpAddr,
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		OracleTimeout:   oracleTimeout,
		OracleCacheTTL:  oracleCacheTTL,
		WriteRateLimit:  writeRateLimit,
		MaxJSONBodySize: maxJSONBodySize,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
