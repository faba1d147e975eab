// Package config loads and validates runtime configuration for patchvault.
//
// Configuration is read from `config/config.yaml` (or `./config.yaml`) and can
// be overridden via environment variables prefixed with PV_, with dots in keys
// replaced by underscores (poll.interval becomes PV_POLL_INTERVAL).
package config
