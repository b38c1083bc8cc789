// Package version exposes build version information for lzcore.
package version

// Version should be overwritten at compile time with a linker flag
// (-X go.lazarusboot.dev/lzcore/pkg/version.Version=...).
var Version string = "dev"
