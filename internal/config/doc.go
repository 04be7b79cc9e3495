// Package config loads the router daemon configuration.
//
// Configuration is YAML layered over built-in defaults, with ${VAR}
// references expanded from the environment and durations written as Go
// duration strings ("30s", "5m"). The default location is
// ~/.config/mcpm/router.yaml; the CLI's set and init commands write the
// file back with Save.
//
// The daemon only reads server-level settings here. Profile contents never
// appear in this file: they arrive fully resolved with each activate call.
package config
