package host

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/dangazineu/envprep/internal/envvars"
	"github.com/dangazineu/envprep/internal/errors"
	"github.com/dangazineu/envprep/internal/interfaces"
	"github.com/dangazineu/envprep/internal/node"
)

var (
	_ interfaces.Build            = (*Host)(nil)
	_ interfaces.EnvironmentQuery = (*Host)(nil)
	_ interfaces.NodeLocator      = (*Host)(nil)
)

// Host serves one build descriptor. Remote nodes are connected on first use
// and released by Close.
type Host struct {
	desc    *Descriptor
	environ func() []string
	dialSSH func(node.SSHConfig, string) (*node.SSHRoot, error)

	mu       sync.Mutex
	computer interfaces.Computer
	ssh      *node.SSHRoot
}

// New returns a host for desc.
func New(desc *Descriptor) *Host {
	return &Host{desc: desc, environ: os.Environ, dialSSH: node.DialSSH}
}

func (h *Host) ID() string {
	return h.desc.ID
}

func (h *Host) Workspace() string {
	return h.desc.Workspace
}

func (h *Host) PreviousStepVariables(ctx context.Context, _ interfaces.Build) (*envvars.VariableMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.desc.Previous.Clone(), nil
}

func (h *Host) SystemVariables(ctx context.Context, includeControllerOnly bool) (*envvars.VariableMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vm := envvars.New()
	if h.desc.InheritProcessEnv {
		vm = envvars.FromEnviron(h.environ())
	}
	vm.Merge(h.desc.System.VariableMap)
	if !includeControllerOnly {
		for _, k := range h.desc.ControllerOnly {
			vm.Delete(k)
		}
	}
	return vm, nil
}

func (h *Host) BuildVariables(ctx context.Context, _ interfaces.Build) (*envvars.VariableMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.desc.Build.Clone(), nil
}

func (h *Host) CurrentComputer(ctx context.Context, _ interfaces.Build) (interfaces.Computer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.computer != nil {
		return h.computer, nil
	}

	spec := h.desc.Node
	var root interfaces.RootPath
	switch spec.Type {
	case "", NodeNone:
		return nil, nil
	case NodeLocal:
		dir := spec.Root
		if !filepath.IsAbs(dir) && h.desc.dir != "" {
			dir = filepath.Join(h.desc.dir, dir)
		}
		local, err := node.NewLocalRoot(dir)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeResolution, "failed to open local node root")
		}
		root = local
	case NodeSSH:
		remote, err := h.dialSSH(spec.SSH, spec.Root)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeResolution, "failed to connect to node")
		}
		h.ssh = remote
		root = remote
	default:
		return nil, errors.Newf(errors.CodeConfig, "unknown node type %q", spec.Type)
	}

	name := spec.Name
	if name == "" {
		name = spec.Type
	}
	h.computer = &node.Computer{Assigned: &node.Node{NodeName: name, Root: root}}
	return h.computer, nil
}

// Close releases the connection to a remote node, if one was opened.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ssh == nil {
		return nil
	}
	err := h.ssh.Close()
	h.ssh = nil
	h.computer = nil
	return err
}
