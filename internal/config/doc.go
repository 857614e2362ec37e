// ABOUTME: Package config loads and validates the server configuration.
// ABOUTME: YAML or TOML files with env var expansion and duration parsing.

// Package config supplies the immutable configuration snapshot consumed by
// the server at startup: supported protocol versions, enabled tool
// categories, circuit breaker tuning, session idle timeout, transport
// settings, auth, and audit. The file format is selected by extension;
// ${VAR} references are expanded from the environment before parsing.
package config
