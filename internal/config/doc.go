// Package config loads and validates the YAML configuration of the tlvserver
// command: listener settings, the Prometheus endpoint and logging.
package config
