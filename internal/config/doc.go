// Package config loads, normalizes, and validates fprintd configuration.
//
// It supplies defaults, expands user paths (including tilde shortcuts), reads
// TOML files and honours environment fallbacks such as FPRINTD_STATE_DIR. The
// Config type gathers every knob the daemon and CLI need: directories, the
// storage backend selection, daemon lifecycle timing, logging, and the
// virtual devices the built-in driver exposes.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
