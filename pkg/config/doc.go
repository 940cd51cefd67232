// Package config loads the instance configuration from YAML with built-in
// defaults: data directory, admission permits, retention delays and write
// log bounds.
package config
