// Package host plays the build host for the prebuild phase. A YAML build
// descriptor supplies the variable layers and the node a build runs on.
package host

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/dangazineu/envprep/internal/envvars"
	"github.com/dangazineu/envprep/internal/errors"
	"github.com/dangazineu/envprep/internal/node"
)

// Node types a descriptor can assign.
const (
	NodeNone  = "none"
	NodeLocal = "local"
	NodeSSH   = "ssh"
)

// Descriptor is a build as the host sees it.
type Descriptor struct {
	ID        string `yaml:"id"`
	Workspace string `yaml:"workspace,omitempty"`

	Previous Variables `yaml:"previous,omitempty"`
	Build    Variables `yaml:"build,omitempty"`
	System   Variables `yaml:"system,omitempty"`
	// ControllerOnly names system variables that never reach a node.
	ControllerOnly []string `yaml:"controllerOnly,omitempty"`
	// InheritProcessEnv seeds the system layer with the envprep process
	// environment.
	InheritProcessEnv bool `yaml:"inheritProcessEnv,omitempty"`

	Node NodeSpec `yaml:"node"`

	dir string
}

// NodeSpec is the node assigned to the build.
type NodeSpec struct {
	Name string         `yaml:"name,omitempty"`
	Type string         `yaml:"type,omitempty"`
	Root string         `yaml:"root,omitempty"`
	SSH  node.SSHConfig `yaml:"ssh,omitempty"`
}

// Variables is an ordered YAML mapping of variable names to values.
type Variables struct {
	*envvars.VariableMap
}

func (v *Variables) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: variables must be a mapping", n.Line)
	}
	vm := envvars.New()
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: variable %s must be a scalar", value.Line, key.Value)
		}
		if value.ShortTag() == "!!null" {
			vm.Set(key.Value, "")
			continue
		}
		vm.Set(key.Value, value.Value)
	}
	v.VariableMap = vm
	return nil
}

func (v Variables) MarshalYAML() (interface{}, error) {
	out := &yaml.Node{Kind: yaml.MappingNode}
	v.Range(func(k, val string) bool {
		out.Content = append(out.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Value: val, Style: yaml.DoubleQuotedStyle},
		)
		return true
	})
	return out, nil
}

// LoadDescriptor reads and validates a build descriptor. Relative local
// roots resolve against the descriptor's directory.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfig, fmt.Sprintf("failed to read build descriptor %s", path))
	}
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, err
	}
	d.dir = filepath.Dir(path)
	return d, nil
}

// ParseDescriptor parses and validates a build descriptor.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, errors.CodeConfig, "failed to parse build descriptor")
	}
	if err := d.validate(); err != nil {
		return nil, errors.Wrap(err, errors.CodeConfig, "invalid build descriptor")
	}
	return &d, nil
}

func (d *Descriptor) validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch d.Node.Type {
	case "", NodeNone:
		if d.Node.Root != "" {
			return fmt.Errorf("node root %q given for a build without a node", d.Node.Root)
		}
	case NodeLocal:
		if d.Node.Root == "" {
			return fmt.Errorf("local node requires a root")
		}
	case NodeSSH:
		if d.Node.Root == "" {
			return fmt.Errorf("ssh node requires a root")
		}
		if d.Node.SSH.Host == "" {
			return fmt.Errorf("ssh node requires ssh.host")
		}
	default:
		return fmt.Errorf("unknown node type %q", d.Node.Type)
	}
	return nil
}
