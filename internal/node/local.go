// Package node provides execution roots for the machines a build can be
// assigned to: the local host and remote hosts reached over SSH.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/dangazineu/envprep/internal/interfaces"
)

var _ interfaces.RootPath = (*LocalRoot)(nil)

// waitDelay bounds how long output copying may outlive a killed process.
const waitDelay = 5 * time.Second

// LocalRoot is an execution root on the machine running envprep.
type LocalRoot struct {
	root string
}

// NewLocalRoot returns a root for dir. Relative dirs are made absolute.
func NewLocalRoot(dir string) (*LocalRoot, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %q: %w", dir, err)
	}
	return &LocalRoot{root: abs}, nil
}

func (r *LocalRoot) Remote() string {
	return r.root
}

func (r *LocalRoot) String() string {
	return r.root
}

func (r *LocalRoot) resolve(p string) string {
	if p == "" {
		return r.root
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(r.root, p)
}

func (r *LocalRoot) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(r.resolve(p))
}

func (r *LocalRoot) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := r.resolve(p)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}
	return os.WriteFile(target, data, 0600)
}

func (r *LocalRoot) Remove(_ context.Context, p string) error {
	if err := os.Remove(r.resolve(p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (r *LocalRoot) Launch(ctx context.Context, spec interfaces.LaunchSpec) (int, error) {
	if len(spec.Command) == 0 {
		return -1, fmt.Errorf("no command to launch")
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = r.resolve(spec.Dir)
	// The process sees exactly the prepared variables, nothing inherited.
	cmd.Env = spec.Env.Environ()
	cmd.Stdout, cmd.Stderr = launchWriters(spec.Stdout, spec.Stderr)
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, fmt.Errorf("process interrupted: %w", ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		return -1, fmt.Errorf("process terminated: %w", err)
	}
	return -1, fmt.Errorf("failed to launch %s: %w", spec.Command[0], err)
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// Node is a named machine with an optional execution root.
type Node struct {
	NodeName string
	Root     interfaces.RootPath
}

func (n *Node) Name() string {
	return n.NodeName
}

func (n *Node) RootPath() interfaces.RootPath {
	if n == nil {
		return nil
	}
	return n.Root
}

// Computer is a worker slot holding at most one node.
type Computer struct {
	Assigned interfaces.Node
}

func (c *Computer) Node() interfaces.Node {
	if c == nil {
		return nil
	}
	return c.Assigned
}
