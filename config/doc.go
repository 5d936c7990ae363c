// Package config defines the configuration for a mesh node.
//
// Regardless of how the node is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object
// defined in this package to store and forward configuration options. On
// top of these options, the node relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//	priv_key      // a plain text file containing the raw private key.
//	peercache.db  // the persisted peer cache (spec.md §6.5), reloaded on start.
//
// Loading these files from disk and populating Config from flags or a file
// is the job of an external collaborator; this package only defines the
// shape of the configuration and its defaults.
package config
