package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dangazineu/envprep/internal/config"
	"github.com/dangazineu/envprep/internal/envvars"
	"github.com/dangazineu/envprep/internal/errors"
	"github.com/dangazineu/envprep/internal/interfaces"
	"github.com/dangazineu/envprep/internal/logger"
	"github.com/dangazineu/envprep/internal/logger/tag"
	"github.com/dangazineu/envprep/internal/node"
)

const (
	// EnvFileVariable names the file a script appends KEY=VALUE lines to in
	// order to hand variables back to the build.
	EnvFileVariable = "ENVPREP_ENV"

	stagingDir = ".envprep"
)

// ScriptRequest is one invocation of the script executor.
type ScriptRequest struct {
	// LoadFromController reads ScriptPath from the controller's filesystem
	// instead of the node's.
	LoadFromController bool
	InlineScript       string
	ScriptPath         string
	// RootPath is nil when no node is assigned; nothing runs then.
	RootPath       interfaces.RootPath
	ControllerVars *envvars.VariableMap
	NodeVars       *envvars.VariableMap
	Shell          []string
	// Timeout bounds reading the script and running it. Zero means no limit.
	Timeout  time.Duration
	Listener io.Writer
	PhaseID  string
}

// ScriptOutcome is what a script run produced.
type ScriptOutcome struct {
	Launched bool
	ExitCode int
	// Produced holds the variables the script wrote to ENVPREP_ENV. It is
	// empty unless the script exited 0.
	Produced *envvars.VariableMap
}

// ScriptExecutor stages scripts on a node and runs them.
type ScriptExecutor struct {
	controllerDir string
}

// NewScriptExecutor creates an executor. Relative controller-side script
// paths resolve against controllerDir, or the process working directory when
// it is empty.
func NewScriptExecutor(controllerDir string) *ScriptExecutor {
	return &ScriptExecutor{controllerDir: controllerDir}
}

// Execute runs the script described by req. A non-zero exit code is reported
// in the outcome, not as an error. Errors are launch, I/O and interrupt
// failures and carry errors.CodeScriptExecution.
func (e *ScriptExecutor) Execute(ctx context.Context, req ScriptRequest) (ScriptOutcome, error) {
	outcome := ScriptOutcome{Produced: envvars.New()}
	if req.RootPath == nil {
		return outcome, nil
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	body, err := e.resolveBody(ctx, req)
	if err != nil {
		return outcome, err
	}
	if strings.TrimSpace(body) == "" {
		return outcome, nil
	}

	phaseID := req.PhaseID
	if phaseID == "" {
		phaseID = GeneratePhaseID()
	} else if !IsValidPhaseID(phaseID) {
		return outcome, errors.Newf(errors.CodeConfig, "invalid phase id %q", phaseID)
	}
	scriptFile := path.Join(stagingDir, phaseID+".sh")
	envFile := path.Join(stagingDir, phaseID+".env")
	defer e.cleanup(ctx, req.RootPath, scriptFile, envFile)

	if err := req.RootPath.WriteFile(ctx, scriptFile, []byte(body)); err != nil {
		return outcome, errors.Wrap(err, errors.CodeScriptExecution, "failed to stage script on node")
	}
	if err := req.RootPath.WriteFile(ctx, envFile, nil); err != nil {
		return outcome, errors.Wrap(err, errors.CodeScriptExecution, "failed to stage variables file on node")
	}

	env := req.NodeVars.Clone()
	env.Set(EnvFileVariable, path.Join(req.RootPath.Remote(), envFile))

	shell := req.Shell
	if len(shell) == 0 {
		shell = config.DefaultShell
	}
	command := append(append([]string(nil), shell...), path.Join(req.RootPath.Remote(), scriptFile))

	console := node.NewSyncWriter(req.Listener)
	outcome.Launched = true
	exitCode, err := req.RootPath.Launch(ctx, interfaces.LaunchSpec{
		Command: command,
		Env:     env,
		Stdout:  console,
		Stderr:  console,
	})
	outcome.ExitCode = exitCode
	if err != nil {
		return outcome, errors.Wrap(err, errors.CodeScriptExecution, "failed to run script on node")
	}
	if exitCode != 0 {
		return outcome, nil
	}

	data, err := req.RootPath.ReadFile(ctx, envFile)
	if err != nil {
		return outcome, errors.Wrap(err, errors.CodeScriptExecution, "failed to read variables written by script")
	}
	produced, err := envvars.ParseProperties(string(data), nil)
	if err != nil {
		return outcome, errors.Wrap(err, errors.CodeScriptExecution, "script wrote malformed variables")
	}
	outcome.Produced = produced
	return outcome, nil
}

// resolveBody loads the script file, if any, and appends the inline script.
func (e *ScriptExecutor) resolveBody(ctx context.Context, req ScriptRequest) (string, error) {
	var parts []string

	if strings.TrimSpace(req.ScriptPath) != "" {
		content, err := e.readScriptFile(ctx, req)
		if err != nil {
			return "", err
		}
		parts = append(parts, content)
	}
	if req.InlineScript != "" {
		parts = append(parts, req.InlineScript)
	}

	body := strings.Join(parts, "\n")
	if body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return body, nil
}

func (e *ScriptExecutor) readScriptFile(ctx context.Context, req ScriptRequest) (string, error) {
	vars := req.NodeVars
	if req.LoadFromController {
		vars = req.ControllerVars
	}
	scriptPath, err := envvars.Expand(req.ScriptPath, vars)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeScriptExecution, "failed to resolve script path")
	}

	data, err := e.ReadFile(ctx, req.LoadFromController, req.RootPath, scriptPath)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeScriptExecution, fmt.Sprintf("failed to read script file %s", scriptPath))
	}
	return string(data), nil
}

// ReadFile reads p from the controller when fromController is set, otherwise
// from root. Relative controller paths resolve against the controller
// directory.
func (e *ScriptExecutor) ReadFile(ctx context.Context, fromController bool, root interfaces.RootPath, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !fromController {
		if root == nil {
			return nil, fmt.Errorf("no execution root to read %s from", p)
		}
		return root.ReadFile(ctx, p)
	}
	if !filepath.IsAbs(p) && e.controllerDir != "" {
		p = filepath.Join(e.controllerDir, p)
	}
	return os.ReadFile(p)
}

func (e *ScriptExecutor) cleanup(ctx context.Context, root interfaces.RootPath, files ...string) {
	log := logger.FromContext(ctx)
	// The run context may already be canceled; staged files still go.
	cleanupCtx := context.WithoutCancel(ctx)
	for _, f := range files {
		if err := root.Remove(cleanupCtx, f); err != nil {
			log.Warn("Failed to remove staged file", tag.Path(f), tag.Error(err))
		}
	}
}
