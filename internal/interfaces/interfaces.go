package interfaces

import (
	"context"
	"io"

	"github.com/dangazineu/envprep/internal/envvars"
)

// Build is the narrow view of a running build the prebuild phase needs.
type Build interface {
	// ID identifies the build in logs.
	ID() string
	// Workspace is the workspace path on the assigned node, or "" when the
	// build has none.
	Workspace() string
}

// EnvironmentQuery resolves the variable layers of a build. Implementations
// are pure queries against host state.
type EnvironmentQuery interface {
	PreviousStepVariables(ctx context.Context, build Build) (*envvars.VariableMap, error)
	SystemVariables(ctx context.Context, includeControllerOnly bool) (*envvars.VariableMap, error)
	BuildVariables(ctx context.Context, build Build) (*envvars.VariableMap, error)
}

// NodeLocator finds the computer currently executing a build.
type NodeLocator interface {
	// CurrentComputer returns nil when no computer is assigned.
	CurrentComputer(ctx context.Context, build Build) (Computer, error)
}

// Computer is a worker slot. Node returns nil when the slot has no node.
type Computer interface {
	Node() Node
}

// Node is a machine that can run build work.
type Node interface {
	Name() string
	// RootPath returns nil when the node has no usable root.
	RootPath() RootPath
}

// RootPath is a borrowed reference to a node's root directory together with
// the capability to read files and launch processes there. Callers never
// close it.
type RootPath interface {
	// Remote is the root directory as seen by the node.
	Remote() string
	// ReadFile reads path, resolved against the root when relative.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile creates or truncates path, resolved against the root when
	// relative, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte) error
	// Remove deletes path; a missing file is not an error.
	Remove(ctx context.Context, path string) error
	// Launch runs a process on the node and waits for it. A process that
	// ran and exited non-zero yields its exit code and a nil error; failures
	// to start, lost connections and interrupts yield an error.
	Launch(ctx context.Context, spec LaunchSpec) (int, error)
}

// LaunchSpec describes a process to start on a node.
type LaunchSpec struct {
	Command []string
	// Env is the complete environment of the process.
	Env    *envvars.VariableMap
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}
