package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dangazineu/envprep/internal/config"
	"github.com/dangazineu/envprep/internal/envvars"
	"github.com/dangazineu/envprep/internal/errors"
	"github.com/dangazineu/envprep/internal/interfaces"
	"github.com/dangazineu/envprep/internal/logger"
	"github.com/dangazineu/envprep/internal/node"
)

type prebuildFixture struct {
	query     *fakeQuery
	locator   interfaces.NodeLocator
	evaluator *countingEvaluator
	root      *recordingRoot
	build     fakeBuild
	listener  *bytes.Buffer
}

func newFixture(t *testing.T) *prebuildFixture {
	t.Helper()
	root := newRecordingRoot(t)
	return &prebuildFixture{
		query: &fakeQuery{
			previous:         vars("FOO", "1"),
			systemController: vars("PATH", os.Getenv("PATH"), "CONTROLLER_SECRET", "s3cr3t"),
			systemNode:       vars("PATH", os.Getenv("PATH")),
			build:            vars("FOO", "2", "BAR", "3"),
		},
		locator:   locatorFor(root),
		evaluator: newCountingEvaluator(t),
		root:      root,
		build:     fakeBuild{id: "job#7"},
		listener:  &bytes.Buffer{},
	}
}

func (f *prebuildFixture) run(t *testing.T, job *config.JobConfig) PhaseResult {
	t.Helper()
	p, err := NewPrebuild(Options{
		Job:           job,
		Query:         f.query,
		Locator:       f.locator,
		Evaluator:     f.evaluator,
		LoggerOptions: []logger.Option{logger.WithQuiet()},
	})
	require.NoError(t, err)
	return p.Run(context.Background(), f.build, f.listener)
}

func TestPrebuildMergesLayers(t *testing.T) {
	f := newFixture(t)
	f.query.systemController = vars()
	f.query.systemNode = vars()
	f.locator = fakeLocator{}

	result := f.run(t, enabledJob(config.PrebuildInfo{}))

	require.True(t, result.Succeeded)
	assert.Equal(t, []string{"FOO", "BAR"}, result.Variables.Keys())
	assert.Equal(t, map[string]string{"FOO": "2", "BAR": "3"}, result.Variables.ToMap())
}

func TestPrebuildWithoutRoot(t *testing.T) {
	testCases := []struct {
		name    string
		locator interfaces.NodeLocator
	}{
		{name: "no locator", locator: nil},
		{name: "no computer", locator: fakeLocator{}},
		{name: "no node", locator: fakeLocator{computer: &node.Computer{}}},
		{name: "no root", locator: fakeLocator{computer: &node.Computer{Assigned: &node.Node{NodeName: "n"}}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.locator = tc.locator
			f.build.workspace = "/ws"

			result := f.run(t, enabledJob(config.PrebuildInfo{
				ScriptContent:     "exit 1",
				ExpressionContent: `{"BAZ": "9"}`,
			}))

			require.True(t, result.Succeeded)
			assert.False(t, result.ScriptLaunched)
			assert.Zero(t, f.evaluator.calls)
			assert.Empty(t, f.root.launches)
			assert.Equal(t, "2", result.Variables.Get("FOO"))
			assert.Equal(t, "/ws", result.Variables.Get("WORKSPACE"))
			assert.False(t, result.Variables.Equal(result.ControllerVariables))
			assert.Equal(t, []Stage{StageStart, StageLayerResolution, StageScriptExecution, StageSuccess}, result.Visited())
		})
	}
}

func TestPrebuildNonZeroExit(t *testing.T) {
	f := newFixture(t)

	p, err := NewPrebuild(Options{
		Job:           enabledJob(config.PrebuildInfo{ScriptContent: "echo preparing\nexit 2", ExpressionContent: `{"BAZ": "9"}`}),
		Query:         f.query,
		Locator:       f.locator,
		Evaluator:     f.evaluator,
		LoggerOptions: []logger.Option{logger.WithQuiet()},
	})
	require.NoError(t, err)

	ok := p.RunPrebuildPhase(context.Background(), f.build, f.listener)

	assert.False(t, ok)
	assert.Zero(t, f.evaluator.calls, "the evaluator never runs after a failed script")
	out := f.listener.String()
	assert.Contains(t, out, "preparing")
	assert.Contains(t, out, "exited with code 2")
}

func TestPrebuildNonZeroExitResult(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, enabledJob(config.PrebuildInfo{ScriptContent: "exit 2"}))

	require.False(t, result.Succeeded)
	assert.Equal(t, errors.CodeScriptExit, result.Code)
	assert.Equal(t, StageScriptExecution, result.FailedStage)
	assert.Equal(t, 2, result.ExitCode)
	assert.True(t, result.ScriptLaunched)
	assert.Equal(t, "2", result.Variables.Get("FOO"), "variables collected before the failure are kept")
	assert.Equal(t, []Stage{StageStart, StageLayerResolution, StageScriptExecution, StageAbort}, result.Visited())
}

func TestPrebuildEvaluatorAddsBinding(t *testing.T) {
	f := newFixture(t)
	f.query.previous = vars()
	f.query.build = vars("FOO", "2")
	f.query.systemController = vars()
	f.query.systemNode = vars()

	result := f.run(t, enabledJob(config.PrebuildInfo{ExpressionContent: `{"BAZ": "9"}`}))

	require.True(t, result.Succeeded)
	assert.Equal(t, 1, f.evaluator.calls)
	assert.False(t, result.ScriptLaunched)
	assert.Equal(t, map[string]string{"FOO": "2", "BAZ": "9"}, result.Variables.ToMap())
	assert.Equal(t, []Stage{StageStart, StageLayerResolution, StageScriptExecution, StageExpressionEvaluation, StageSuccess}, result.Visited())
}

func TestPrebuildEmptyExpressionLeavesVariables(t *testing.T) {
	f := newFixture(t)
	f.build.workspace = "/ws"

	result := f.run(t, enabledJob(config.PrebuildInfo{}))

	require.True(t, result.Succeeded)
	assert.Equal(t, 1, f.evaluator.calls)
	assert.Equal(t, []string{"FOO", "PATH", "BAR", "WORKSPACE"}, result.Variables.Keys())
}

func TestPrebuildScriptProducesVariables(t *testing.T) {
	f := newFixture(t)
	f.build.workspace = "/ws"

	result := f.run(t, enabledJob(config.PrebuildInfo{
		ScriptContent: strings.Join([]string{
			`[ -z "${CONTROLLER_SECRET:-}" ]`,
			`echo "VERSION=$FOO.$BAR" >> "$ENVPREP_ENV"`,
			`echo "NODE_WORKSPACE=$WORKSPACE" >> "$ENVPREP_ENV"`,
		}, "\n"),
		ExpressionContent: `{"TAG": "v" + env.VERSION}`,
	}))

	require.True(t, result.Succeeded, f.listener.String())
	assert.Equal(t, "2.3", result.Variables.Get("VERSION"))
	assert.Equal(t, "/ws", result.Variables.Get("NODE_WORKSPACE"))
	assert.Equal(t, "v2.3", result.Variables.Get("TAG"))
	assert.Equal(t, "2.3", result.ControllerVariables.Get("VERSION"))
	assert.Empty(t, f.root.stagedFiles(t))
}

func TestPrebuildExecutionError(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, enabledJob(config.PrebuildInfo{
		ScriptContent: "echo hi",
		Shell:         []string{"/nonexistent/shell"},
	}))

	require.False(t, result.Succeeded)
	assert.Equal(t, errors.CodeScriptExecution, result.Code)
	assert.Zero(t, f.evaluator.calls)
	out := f.listener.String()
	assert.Contains(t, out, "Failed to execute prebuild script")
	assert.Contains(t, out, "Caused by")
	assert.NotContains(t, out, "exited with code")
}

func TestPrebuildScriptTimeout(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, enabledJob(config.PrebuildInfo{
		ScriptContent: "exec sleep 5",
		ScriptTimeout: config.Duration(100 * time.Millisecond),
	}))

	require.False(t, result.Succeeded)
	assert.Equal(t, errors.CodeScriptExecution, result.Code)
	assert.Contains(t, f.listener.String(), "interrupted")
}

func TestPrebuildEvaluationError(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, enabledJob(config.PrebuildInfo{ExpressionContent: `{"A": env.MISSING}`}))

	require.False(t, result.Succeeded)
	assert.Equal(t, errors.CodeEvaluation, result.Code)
	assert.Equal(t, StageExpressionEvaluation, result.FailedStage)
	assert.Contains(t, f.listener.String(), "Failed to evaluate prebuild expression")
}

func TestPrebuildResolutionError(t *testing.T) {
	f := newFixture(t)
	f.query.buildErr = fmt.Errorf("build record is corrupt")

	result := f.run(t, enabledJob(config.PrebuildInfo{ScriptContent: "echo never"}))

	require.False(t, result.Succeeded)
	assert.Equal(t, errors.CodeResolution, result.Code)
	assert.Equal(t, StageLayerResolution, result.FailedStage)
	assert.Empty(t, f.root.launches)
	assert.Contains(t, f.listener.String(), "build record is corrupt")
	assert.Equal(t, []Stage{StageStart, StageLayerResolution, StageAbort}, result.Visited())
}

func TestPrebuildLocatorError(t *testing.T) {
	f := newFixture(t)
	f.locator = fakeLocator{err: fmt.Errorf("controller unreachable")}

	result := f.run(t, enabledJob(config.PrebuildInfo{}))

	require.False(t, result.Succeeded)
	assert.Equal(t, errors.CodeResolution, result.Code)
}

func TestPrebuildDisabled(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, &config.JobConfig{On: false, Info: config.PrebuildInfo{ScriptContent: "exit 1"}})

	assert.True(t, result.Succeeded)
	assert.True(t, result.Skipped)
	assert.Zero(t, f.query.calls)
	assert.Zero(t, f.evaluator.calls)
	assert.Empty(t, f.root.launches)
}

func TestPrebuildRecoversPanic(t *testing.T) {
	f := newFixture(t)
	f.evaluator.panic = "evaluator exploded"

	result := f.run(t, enabledJob(config.PrebuildInfo{}))

	require.False(t, result.Succeeded)
	assert.Equal(t, errors.CodeUnexpected, result.Code)
	assert.Equal(t, StageExpressionEvaluation, result.FailedStage)
	out := f.listener.String()
	assert.Contains(t, out, "evaluator exploded")
	assert.Contains(t, out, "stack=")
}

func TestPrebuildRecoversPanicWhileBuildingLogger(t *testing.T) {
	f := newFixture(t)
	exploding := func(*logger.Config) { panic("bad logger option") }
	p, err := NewPrebuild(Options{
		Job:           enabledJob(config.PrebuildInfo{}),
		Query:         f.query,
		LoggerOptions: []logger.Option{logger.WithQuiet(), exploding},
	})
	require.NoError(t, err)

	var result PhaseResult
	require.NotPanics(t, func() {
		result = p.Run(context.Background(), f.build, f.listener)
	})
	require.False(t, result.Succeeded)
	assert.Equal(t, errors.CodeUnexpected, result.Code)
	assert.Contains(t, result.Message, "bad logger option")
	assert.Equal(t, StageStart, result.FailedStage)
}

func TestPrebuildNilBuild(t *testing.T) {
	f := newFixture(t)
	p, err := NewPrebuild(Options{Job: enabledJob(config.PrebuildInfo{}), Query: f.query, LoggerOptions: []logger.Option{logger.WithQuiet()}})
	require.NoError(t, err)

	result := p.Run(context.Background(), nil, nil)
	require.False(t, result.Succeeded)
	assert.Equal(t, errors.CodeConfig, result.Code)
}

func TestPrebuildProperties(t *testing.T) {
	f := newFixture(t)
	writeFile(t, f.root.Remote(), "env/build.properties", "FROM_FILE=${FOO}-file\nBAR=from-file\n")

	result := f.run(t, enabledJob(config.PrebuildInfo{
		PropertiesFilePath: "env/build.properties",
		PropertiesContent:  "BAR=${BAR}-content\nUNKNOWN=${NOT_SET}",
		ScriptContent:      `echo "SEEN=$BAR" >> "$ENVPREP_ENV"`,
	}))

	require.True(t, result.Succeeded, f.listener.String())
	assert.Equal(t, "2-file", result.Variables.Get("FROM_FILE"))
	assert.Equal(t, "from-file-content", result.Variables.Get("BAR"))
	assert.Equal(t, "from-file-content", result.Variables.Get("SEEN"), "properties apply before the script")
	assert.Equal(t, "from-file-content", result.ControllerVariables.Get("BAR"))
}

func TestPrebuildPropertiesValuesCannotAddKeys(t *testing.T) {
	f := newFixture(t)
	f.query.build = vars("FOO", "2", "MSG", "hi\nPATH=/tmp/evil", "NOTE", "a # b")

	result := f.run(t, enabledJob(config.PrebuildInfo{
		PropertiesContent: "GREETING=$MSG\nREMARK=${NOTE}\n",
	}))

	require.True(t, result.Succeeded, f.listener.String())
	for _, got := range []*envvars.VariableMap{result.Variables, result.ControllerVariables} {
		assert.Equal(t, "hi\nPATH=/tmp/evil", got.Get("GREETING"))
		assert.Equal(t, "a # b", got.Get("REMARK"))
		assert.Equal(t, os.Getenv("PATH"), got.Get("PATH"))
	}
}

func TestPrebuildPropertiesFromController(t *testing.T) {
	controllerDir := t.TempDir()
	writeFile(t, controllerDir, "props/ci.properties", "CI=true\n")

	f := newFixture(t)
	f.locator = fakeLocator{}
	p, err := NewPrebuild(Options{
		Job: enabledJob(config.PrebuildInfo{
			PropertiesFilePath:      "props/ci.properties",
			LoadFilesFromController: true,
		}),
		Query:         f.query,
		Locator:       f.locator,
		Evaluator:     f.evaluator,
		ControllerDir: controllerDir,
		LoggerOptions: []logger.Option{logger.WithQuiet()},
	})
	require.NoError(t, err)

	result := p.Run(context.Background(), f.build, f.listener)
	require.True(t, result.Succeeded)
	assert.Equal(t, "true", result.Variables.Get("CI"))
}

func TestPrebuildPropertiesSkippedWithoutRoot(t *testing.T) {
	f := newFixture(t)
	f.locator = fakeLocator{}

	result := f.run(t, enabledJob(config.PrebuildInfo{
		PropertiesFilePath: "build.properties",
		PropertiesContent:  "INLINE=1",
	}))

	require.True(t, result.Succeeded)
	assert.Equal(t, "1", result.Variables.Get("INLINE"))
	assert.Contains(t, f.listener.String(), "skipping properties file")
}

func TestPrebuildMissingPropertiesFile(t *testing.T) {
	f := newFixture(t)
	result := f.run(t, enabledJob(config.PrebuildInfo{PropertiesFilePath: "missing.properties"}))

	require.False(t, result.Succeeded)
	assert.Equal(t, errors.CodeResolution, result.Code)
}

func TestNewPrebuildValidation(t *testing.T) {
	query := &fakeQuery{}

	_, err := NewPrebuild(Options{Query: query})
	assert.Equal(t, errors.CodeConfig, errors.CodeOf(err))

	_, err = NewPrebuild(Options{Job: enabledJob(config.PrebuildInfo{})})
	assert.Equal(t, errors.CodeConfig, errors.CodeOf(err))

	_, err = NewPrebuild(Options{Job: enabledJob(config.PrebuildInfo{ExpressionLanguage: "groovy"}), Query: query})
	assert.Equal(t, errors.CodeConfig, errors.CodeOf(err))

	p, err := NewPrebuild(Options{Job: enabledJob(config.PrebuildInfo{ExpressionLanguage: config.LanguageJQ}), Query: query})
	require.NoError(t, err)
	assert.IsType(t, &JQEvaluator{}, p.evaluator)
}
