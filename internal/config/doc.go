// Package config loads the daemon configuration from a YAML file: daemon
// timing, bus driver, logging, metrics, plugin instances, triggers, bindings
// and schedule seeds. Values may reference the environment as ${VAR}; a .env
// file next to the configuration is loaded first.
package config
