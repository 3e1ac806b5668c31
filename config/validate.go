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

import "fmt"

// ValidationError describes a single configuration problem. Level is
// either "error" (Load fails) or "warning" (Load proceeds, caller may
// log it).
type ValidationError struct {
	Level   string
	Field   string
	Message string
}

func (e ValidationError) String() string {
	return fmt.Sprintf("[%s] %s: %s", e.Level, e.Field, e.Message)
}

// ValidateConfiguration checks cfg for values that would make the
// blockchain-facing tools behave unpredictably. It never mutates cfg;
// Load decides what to do with the results.
func ValidateConfiguration(cfg *ServiceConfig) []ValidationError {
	var errs []ValidationError

	if cfg.Blockchain != nil {
		if cfg.Blockchain.NetworkRPC == "" {
			errs = append(errs, ValidationError{"error", "blockchain.network_rpc", "must be set"})
		}
		if cfg.Blockchain.GasLimit < 0 {
			errs = append(errs, ValidationError{"error", "blockchain.gas_limit", "must not be negative"})
		}
		if cfg.Blockchain.MaxRetries < 0 {
			errs = append(errs, ValidationError{"warning", "blockchain.max_retries", "negative, treating as 0"})
		}
	}

	if cfg.DID != nil {
		switch cfg.DID.Method {
		case "", "sage", "key", "web":
		default:
			errs = append(errs, ValidationError{"warning", "did.method", fmt.Sprintf("unrecognized method %q", cfg.DID.Method)})
		}
	}

	if cfg.KeyStore != nil {
		switch cfg.KeyStore.Type {
		case "", "memory", "encrypted-file", "file":
		default:
			errs = append(errs, ValidationError{"error", "keystore.type", fmt.Sprintf("unsupported keystore type %q", cfg.KeyStore.Type)})
		}
	}

	if cfg.Logging != nil {
		switch cfg.Logging.Level {
		case "", "debug", "info", "warn", "warning", "error":
		default:
			errs = append(errs, ValidationError{"warning", "logging.level", fmt.Sprintf("unrecognized level %q, defaulting to info", cfg.Logging.Level)})
		}
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		if cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535 {
			errs = append(errs, ValidationError{"error", "metrics.port", fmt.Sprintf("out of range: %d", cfg.Metrics.Port)})
		}
	}

	if cfg.Session != nil && cfg.Session.MaxSessions < 0 {
		errs = append(errs, ValidationError{"error", "session.max_sessions", "must not be negative"})
	}

	if cfg.Handshake != nil && cfg.Handshake.MaxRetries < 0 {
		errs = append(errs, ValidationError{"warning", "handshake.max_retries", "negative, treating as 0"})
	}

	return errs
}
