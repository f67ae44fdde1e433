// Package config provides configuration loading and validation for reuseportd.
// It handles YAML-based configuration with per-section validation and defaults
// matching the service's built-in constants.
package config
