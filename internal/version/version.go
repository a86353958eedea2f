// Package version holds the release version of the enricher binaries.
package version

// Current is bumped on every release. No "v" prefix.
const Current = "0.1.0"
