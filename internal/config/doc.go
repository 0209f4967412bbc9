//
//
// Package config loads controller and device-server configuration.
//
// Both follow the same order: compiled baseline, optional .env file,
// optional YAML file, environment overrides, validation.
package config
