// Package buildinfo holds build-time metadata, kept apart from user
// configuration
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// UnknownValue is reported for metadata the build did not provide
const UnknownValue = "unknown"

// Set at link time:
//
//	-ldflags "-X github.com/airlog/airlog/internal/buildinfo.version=v1.2.0 -X github.com/airlog/airlog/internal/buildinfo.buildDate=2026-01-01"
var (
	version   string
	buildDate string
)

// BuildInfo provides access to build-time metadata
type BuildInfo interface {
	GetVersion() string
	GetBuildDate() string
}

// Context contains build-time metadata that is not user-configurable
type Context struct {
	// Version is the release tag or module version
	Version string
	// BuildDate is the time the binary was built
	BuildDate string
}

// Current returns the metadata of the running binary. Without link-time
// values the module version recorded by the go tool is used.
func Current() *Context {
	c := &Context{Version: version, BuildDate: buildDate}
	if c.Version == "" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			c.Version = bi.Main.Version
		}
	}
	return c
}

// GetVersion implements BuildInfo.GetVersion
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate implements BuildInfo.GetBuildDate
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// String renders the metadata for version output
func (c *Context) String() string {
	return fmt.Sprintf("airlog %s (built %s)", c.GetVersion(), c.GetBuildDate())
}
