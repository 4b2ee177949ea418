// Package config handles loading and parsing of configuration from YAML files,
// a .env file and environment variables. It defines the application
// configuration structure: server settings, backends, balancer tuning, the
// active prober, the metrics endpoint and logging.
package config
