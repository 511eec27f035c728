package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dangazineu/envprep/internal/config"
	"github.com/dangazineu/envprep/internal/envvars"
	"github.com/dangazineu/envprep/internal/interfaces"
	"github.com/dangazineu/envprep/internal/node"
)

func vars(kv ...string) *envvars.VariableMap {
	vm := envvars.New()
	for i := 0; i+1 < len(kv); i += 2 {
		vm.Set(kv[i], kv[i+1])
	}
	return vm
}

type fakeBuild struct {
	id        string
	workspace string
}

func (b fakeBuild) ID() string        { return b.id }
func (b fakeBuild) Workspace() string { return b.workspace }

// fakeQuery serves fixed layers and counts how often it was asked.
type fakeQuery struct {
	previous         *envvars.VariableMap
	systemController *envvars.VariableMap
	systemNode       *envvars.VariableMap
	build            *envvars.VariableMap

	previousErr error
	buildErr    error

	mu    sync.Mutex
	calls int
}

func (q *fakeQuery) count() {
	q.mu.Lock()
	q.calls++
	q.mu.Unlock()
}

func (q *fakeQuery) PreviousStepVariables(context.Context, interfaces.Build) (*envvars.VariableMap, error) {
	q.count()
	return q.previous.Clone(), q.previousErr
}

func (q *fakeQuery) SystemVariables(_ context.Context, includeControllerOnly bool) (*envvars.VariableMap, error) {
	q.count()
	if includeControllerOnly {
		return q.systemController.Clone(), nil
	}
	return q.systemNode.Clone(), nil
}

func (q *fakeQuery) BuildVariables(context.Context, interfaces.Build) (*envvars.VariableMap, error) {
	q.count()
	return q.build.Clone(), q.buildErr
}

type fakeLocator struct {
	computer interfaces.Computer
	err      error
}

func (l fakeLocator) CurrentComputer(context.Context, interfaces.Build) (interfaces.Computer, error) {
	return l.computer, l.err
}

func locatorFor(root interfaces.RootPath) fakeLocator {
	return fakeLocator{computer: &node.Computer{Assigned: &node.Node{NodeName: "test-node", Root: root}}}
}

// countingEvaluator records invocations before delegating.
type countingEvaluator struct {
	inner Evaluator
	calls int
	panic any
}

func (c *countingEvaluator) Evaluate(ctx context.Context, body string, vm *envvars.VariableMap) (*envvars.VariableMap, error) {
	c.calls++
	if c.panic != nil {
		panic(c.panic)
	}
	return c.inner.Evaluate(ctx, body, vm)
}

func newCountingEvaluator(t *testing.T) *countingEvaluator {
	t.Helper()
	inner, err := NewCELEvaluator()
	require.NoError(t, err)
	return &countingEvaluator{inner: inner}
}

// recordingRoot is a local root that remembers what was staged and launched.
type recordingRoot struct {
	*node.LocalRoot

	launches []interfaces.LaunchSpec
	staged   map[string]string
}

func newRecordingRoot(t *testing.T) *recordingRoot {
	t.Helper()
	local, err := node.NewLocalRoot(t.TempDir())
	require.NoError(t, err)
	return &recordingRoot{LocalRoot: local, staged: make(map[string]string)}
}

func (r *recordingRoot) WriteFile(ctx context.Context, p string, data []byte) error {
	r.staged[p] = string(data)
	return r.LocalRoot.WriteFile(ctx, p, data)
}

func (r *recordingRoot) Launch(ctx context.Context, spec interfaces.LaunchSpec) (int, error) {
	r.launches = append(r.launches, spec)
	return r.LocalRoot.Launch(ctx, spec)
}

// stagedFiles lists what is left in the staging directory.
func (r *recordingRoot) stagedFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(r.Remote(), stagingDir))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func enabledJob(info config.PrebuildInfo) *config.JobConfig {
	return &config.JobConfig{On: true, Info: info}
}
