// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming convention for consistency.
package tag

import "log/slog"

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Build creates a tag for build identifiers.
func Build(id string) slog.Attr {
	return slog.String("build", id)
}

// PhaseID creates a tag for prebuild phase identifiers.
func PhaseID(id string) slog.Attr {
	return slog.String("phase-id", id)
}

// Stage creates a tag for orchestrator stages.
func Stage(name string) slog.Attr {
	return slog.String("stage", name)
}

// ExitCode creates a tag for process exit codes.
func ExitCode(code int) slog.Attr {
	return slog.Int("exit-code", code)
}

// Node creates a tag for node names.
func Node(name string) slog.Attr {
	return slog.String("node", name)
}

// Path creates a tag for file paths.
func Path(p string) slog.Attr {
	return slog.String("path", p)
}

// Count creates a tag for counts, such as the number of variables.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}
