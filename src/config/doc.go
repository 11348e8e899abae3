// Package config defines the configuration for a Veritas node.
//
// Regardless of how Veritas is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// configuration options, Veritas relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional configuration
// files:
//
//  priv_key // a plain text file containing the raw private key (cf. veritas keygen).
//  peers.json // a JSON file containing the current list of peers.
package config
