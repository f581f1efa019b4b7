// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. Secrets should come
// from here rather than the file.
const (
	EnvInfluxToken   = "ROUTER_INFLUX_TOKEN"
	EnvRedisPassword = "ROUTER_REDIS_PASSWORD"
	EnvLogLevel      = "ROUTER_LOG_LEVEL"
	EnvServerAddr    = "ROUTER_ADDR"
	EnvOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOperatorToken = "ROUTER_OPERATOR_TOKEN"
)

// Load reads the YAML file at path over the defaults and validates it.
//
// Description:
//
//	Keys missing from the file keep their Default() values. Unknown keys
//	are rejected so typos surface at startup. Environment overrides are
//	applied after parsing and before validation.
//
// Outputs:
//   - Config: The validated configuration.
//   - error: Read or parse failures, or an ErrInvalidConfig wrap.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies environment overrides and
// validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	applyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvInfluxToken); ok {
		cfg.Telemetry.Influx.Token = v
	}
	if v, ok := lookup(EnvRedisPassword); ok {
		cfg.Storage.Redis.Password = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := lookup(EnvServerAddr); ok && v != "" {
		cfg.Server.Addr = v
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok && v != "" {
		cfg.Observability.OTLPEndpoint = v
	}
	if v, ok := lookup(EnvOperatorToken); ok {
		cfg.Server.OperatorToken = v
	}
}

// WriteDefault writes Default() as YAML to path, creating parent
// directories. An existing file is left untouched unless overwrite is set.
func WriteDefault(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to encode the default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
