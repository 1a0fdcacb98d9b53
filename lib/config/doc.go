// Package config provides configuration management for the dconfigd daemon.
//
// # Sources
//
// Settings are read, in increasing priority, from built-in defaults, a YAML
// config file, DCONFIGD_* environment variables and command line flags.
// Nested keys use dots in the file and underscores in the environment, so
// bus.address is DCONFIGD_BUS_ADDRESS.
//
// The config file is the --config flag, or config.yaml in $HOME/.dconfigd or
// /etc/dconfigd. A missing default file is not an error.
//
// # Prefix
//
// Every store directory is relative to the prefix, which defaults to the
// filesystem root. Tests and packaging run the daemon against a staged tree
// by pointing the prefix at it.
package config
