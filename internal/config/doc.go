// Package config loads Fragtale's node configuration from a layered
// koanf pipeline: built-in defaults, an optional YAML file, and
// FRAGTALE_-prefixed environment variable overrides.
//
// Example:
//
//	cfg, err := config.Load("/etc/fragtale/node.yaml")
//	if err != nil {
//	    cfg = config.Default()
//	}
package config
