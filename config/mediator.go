// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MediatorConfig is the daemon's own configuration: where it listens,
// what endpoint it advertises to peers, and how it reaches its
// upstream mediator. It reuses ServiceConfig's Logging and Metrics
// sections rather than duplicating them.
type MediatorConfig struct {
	Endpoint           string          `yaml:"endpoint" json:"endpoint"`
	ListenAddr         string          `yaml:"listen_addr" json:"listen_addr"`
	MediatorInvitation string          `yaml:"mediator_invitation" json:"mediator_invitation"`
	KeyStore           *KeyStoreConfig       `yaml:"keystore" json:"keystore"`
	Logging            *ServiceLoggingConfig `yaml:"logging" json:"logging"`
	Metrics            *MetricsConfig        `yaml:"metrics" json:"metrics"`
}

// setMediatorDefaults fills in the same way setDefaults does for ServiceConfig.
func setMediatorDefaults(cfg *MediatorConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Logging == nil {
		cfg.Logging = &ServiceLoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"}
	}
	if cfg.KeyStore == nil {
		cfg.KeyStore = &KeyStoreConfig{Type: "memory", Directory: ".mediator/keys"}
	}
}

// LoadMediatorConfig loads MediatorConfig the way Load loads ServiceConfig:
// YAML file, then environment-variable overrides, then defaults for
// anything still unset.
func LoadMediatorConfig(path string) (*MediatorConfig, error) {
	cfg := &MediatorConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading mediator config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing mediator config: %w", err)
		}
	}

	if v := os.Getenv("MEDIATOR_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("MEDIATOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MEDIATOR_INVITATION"); v != "" {
		cfg.MediatorInvitation = v
	}
	if v := os.Getenv("MEDIATOR_LOG_LEVEL"); v != "" {
		if cfg.Logging == nil {
			cfg.Logging = &ServiceLoggingConfig{}
		}
		cfg.Logging.Level = v
	}

	setMediatorDefaults(cfg)
	return cfg, nil
}
