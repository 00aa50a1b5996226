// Package buildinfo carries values stamped at link time.
package buildinfo

// Version is overridden with -ldflags "-X meshnode/internal/buildinfo.Version=...".
var Version = "dev"
