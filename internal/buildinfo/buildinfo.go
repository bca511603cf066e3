// Package buildinfo exposes version identifiers for the BlockAndFocus
// binaries.
package buildinfo

// Version is set at link-time with -ldflags.
// Default is "dev" so tests and "go run ." still work.
var Version = "dev"

// Commit is set at link-time with -ldflags.
// Default is "unknown" so tests and "go run ." still work.
var Commit = "unknown"
