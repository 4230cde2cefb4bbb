// Package config loads and validates the TOML configuration shared by the
// adlib CLI and daemon. Defaults live in defaults.go; Load applies the file on
// top of them and normalizes user paths.
package config
