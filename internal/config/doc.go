// Package config loads runtime configuration from multiple sources (a .env
// file, YAML files, environment variables, CLI flags) with precedence:
// CLI flags > Environment variables > YAML config > Defaults. Variables from
// a .env file only fill in what the process environment does not already set.
// The resulting Config is read once at startup and never mutated afterwards.
package config
