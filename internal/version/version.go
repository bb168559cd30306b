// Package version exposes the build version reported by the HTTP surface.
package version

// Version is the current release.
const Version = "2.3.1"
