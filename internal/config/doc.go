// Package config loads and validates the recorder's YAML configuration and
// watches the file for changes so a running service can be reconfigured.
package config
