// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Field is one named piece of build metadata.
type Field struct {
	Key   string
	Value string
}

// Fields returns the build metadata in display order.
func Fields() []Field {
	return []Field{
		{"version", Version},
		{"git_commit", GitCommit},
		{"git_branch", GitBranch},
		{"build_time", BuildTime},
		{"go_version", runtime.Version()},
		{"os", runtime.GOOS},
		{"arch", runtime.GOARCH},
	}
}

// Info returns [Fields] as a map, for JSON output.
func Info() map[string]string {
	fields := Fields()
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return m
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("statusd %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// LogAttrs returns [Fields] as slog attributes for the startup banner.
func LogAttrs() []any {
	fields := Fields()
	attrs := make([]any, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.String(f.Key, f.Value))
	}
	return attrs
}
