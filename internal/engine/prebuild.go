package engine

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"runtime/debug"
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

// Options configures a Prebuild.
type Options struct {
	Job   *config.JobConfig
	Query interfaces.EnvironmentQuery
	// Locator may be nil, in which case no node is ever assigned.
	Locator interfaces.NodeLocator
	// Evaluator overrides the evaluator selected by the job's expression
	// language.
	Evaluator Evaluator
	// ControllerDir resolves relative paths of files loaded from the
	// controller.
	ControllerDir string
	// LoggerOptions configure the per-phase logger. The build listener is
	// always added as a destination.
	LoggerOptions []logger.Option
}

// Prebuild runs the prebuild phase of a job: it resolves the variable
// layers of a build, runs the prebuild script on the assigned node and
// applies the prebuild expression.
type Prebuild struct {
	job       *config.JobConfig
	query     interfaces.EnvironmentQuery
	locator   interfaces.NodeLocator
	evaluator Evaluator
	executor  *ScriptExecutor
	logOpts   []logger.Option
}

// NewPrebuild validates opts and creates a Prebuild.
func NewPrebuild(opts Options) (*Prebuild, error) {
	if opts.Job == nil {
		return nil, errors.New(errors.CodeConfig, "job configuration is required")
	}
	if opts.Query == nil {
		return nil, errors.New(errors.CodeConfig, "environment query is required")
	}

	evaluator := opts.Evaluator
	if evaluator == nil {
		var err error
		evaluator, err = NewEvaluator(opts.Job.Info.Language())
		if err != nil {
			return nil, err
		}
	}

	return &Prebuild{
		job:       opts.Job,
		query:     opts.Query,
		locator:   opts.Locator,
		evaluator: evaluator,
		executor:  NewScriptExecutor(opts.ControllerDir),
		logOpts:   opts.LoggerOptions,
	}, nil
}

// RunPrebuildPhase runs the phase and reports whether the build may proceed.
func (p *Prebuild) RunPrebuildPhase(ctx context.Context, build interfaces.Build, listener io.Writer) bool {
	return p.Run(ctx, build, listener).Succeeded
}

// Run runs the phase and returns its full result. It never panics and never
// returns an error; failures are reported on the result and logged to the
// listener.
func (p *Prebuild) Run(ctx context.Context, build interfaces.Build, listener io.Writer) (result PhaseResult) {
	phaseID := GeneratePhaseID()
	trace := newPhaseTrace(phaseID)

	var log logger.Logger
	defer func() {
		if r := recover(); r != nil {
			if log == nil {
				log = logger.Discard()
			}
			err := errors.Newf(errors.CodeUnexpected, "panic: %v", r)
			log.Error("Unexpected failure in prebuild phase",
				tag.Stage(string(trace.current)),
				tag.Error(err),
				"stack", string(debug.Stack()),
			)
			result = trace.abort(err, err.Message)
		}
	}()

	// Script output and log records share the build console.
	console := node.NewSyncWriter(listener)
	log = logger.NewLogger(append(append([]logger.Option(nil), p.logOpts...), logger.WithWriter(console))...).
		With(tag.PhaseID(phaseID), tag.Build(buildID(build)))
	ctx = logger.WithLogger(ctx, log)

	if !p.job.On {
		log.Info("Prebuild phase is disabled for this job")
		return trace.skip()
	}

	if build == nil {
		return p.fail(log, trace, errors.New(errors.CodeConfig, "no build to prepare"))
	}

	log.Info("Starting prebuild phase")
	if err := p.runStages(ctx, build, console, trace); err != nil {
		return p.fail(log, trace, err)
	}

	result = trace.succeed()
	log.Info("Prebuild phase succeeded",
		tag.Count(result.Variables.Len()),
		"duration", result.Duration().Round(time.Millisecond).String(),
	)
	return result
}

func (p *Prebuild) runStages(ctx context.Context, build interfaces.Build, listener io.Writer, trace *phaseTrace) error {
	log := logger.FromContext(ctx)

	trace.enter(StageLayerResolution)
	log.Info("Resolving environment layers", tag.Stage(string(StageLayerResolution)))
	controllerVars, nodeVars, root, err := p.resolveLayers(ctx, build)
	if err != nil {
		return err
	}
	trace.setVariables(controllerVars, nodeVars)

	trace.enter(StageScriptExecution)
	if root == nil {
		log.Info("No execution root assigned, skipping script and expression", tag.Stage(string(StageScriptExecution)))
		return nil
	}
	log.Info("Running prebuild script", tag.Stage(string(StageScriptExecution)), tag.Path(root.Remote()))

	info := p.job.Info
	outcome, err := p.executor.Execute(ctx, ScriptRequest{
		LoadFromController: info.LoadFilesFromController,
		InlineScript:       info.ScriptContent,
		ScriptPath:         info.ScriptFilePath,
		RootPath:           root,
		ControllerVars:     controllerVars,
		NodeVars:           nodeVars,
		Shell:              info.ShellCommand(),
		Timeout:            time.Duration(info.ScriptTimeout),
		Listener:           listener,
		PhaseID:            trace.result.PhaseID,
	})
	trace.result.ExitCode = outcome.ExitCode
	trace.result.ScriptLaunched = outcome.Launched
	if err != nil {
		return err
	}
	if outcome.ExitCode != 0 {
		return errors.Newf(errors.CodeScriptExit, "script exited with code %d", outcome.ExitCode)
	}
	if outcome.Produced.Len() > 0 {
		log.Debug("Script produced variables", tag.Count(outcome.Produced.Len()))
		controllerVars.Merge(outcome.Produced)
		nodeVars.Merge(outcome.Produced)
	}

	trace.enter(StageExpressionEvaluation)
	log.Info("Evaluating prebuild expression", tag.Stage(string(StageExpressionEvaluation)))
	evaluated, err := p.evaluator.Evaluate(ctx, info.ExpressionContent, nodeVars)
	if err != nil {
		if _, coded := asCoded(err); !coded {
			err = errors.Wrap(err, errors.CodeEvaluation, "expression failed")
		}
		return err
	}
	trace.setVariables(controllerVars, evaluated)
	return nil
}

// resolveLayers queries every layer, merges them per context, locates the
// execution root and applies the job's properties.
func (p *Prebuild) resolveLayers(ctx context.Context, build interfaces.Build) (controllerVars, nodeVars *envvars.VariableMap, root interfaces.RootPath, err error) {
	var layers envvars.Layers

	if layers.Previous, err = p.query.PreviousStepVariables(ctx, build); err != nil {
		return nil, nil, nil, resolutionError(err, "failed to query variables of previous steps")
	}
	if layers.SystemController, err = p.query.SystemVariables(ctx, true); err != nil {
		return nil, nil, nil, resolutionError(err, "failed to query system variables")
	}
	if layers.SystemNode, err = p.query.SystemVariables(ctx, false); err != nil {
		return nil, nil, nil, resolutionError(err, "failed to query system variables")
	}
	if layers.Build, err = p.query.BuildVariables(ctx, build); err != nil {
		return nil, nil, nil, resolutionError(err, "failed to query build variables")
	}
	layers.Workspace = build.Workspace()

	if root, err = p.locateRoot(ctx, build); err != nil {
		return nil, nil, nil, err
	}

	controllerVars, nodeVars = layers.Resolve()
	if err := p.applyProperties(ctx, root, controllerVars, nodeVars); err != nil {
		return nil, nil, nil, err
	}
	return controllerVars, nodeVars, root, nil
}

func (p *Prebuild) locateRoot(ctx context.Context, build interfaces.Build) (interfaces.RootPath, error) {
	if p.locator == nil {
		return nil, nil
	}
	computer, err := p.locator.CurrentComputer(ctx, build)
	if err != nil {
		return nil, resolutionError(err, "failed to locate the current computer")
	}
	if computer == nil {
		return nil, nil
	}
	assigned := computer.Node()
	if assigned == nil {
		return nil, nil
	}
	root := assigned.RootPath()
	if root != nil {
		logger.FromContext(ctx).Debug("Located execution root", tag.Node(assigned.Name()), tag.Path(root.Remote()))
	}
	return root, nil
}

// applyProperties overlays the job's properties file and then its inline
// properties onto both mappings. Values are expanded against the mapping
// they are applied to.
func (p *Prebuild) applyProperties(ctx context.Context, root interfaces.RootPath, controllerVars, nodeVars *envvars.VariableMap) error {
	info := p.job.Info
	log := logger.FromContext(ctx)

	var sources []string
	if strings.TrimSpace(info.PropertiesFilePath) != "" {
		if !info.LoadFilesFromController && root == nil {
			log.Warn("No execution root assigned, skipping properties file", tag.Path(info.PropertiesFilePath))
		} else {
			content, err := p.readProperties(ctx, root, controllerVars, nodeVars)
			if err != nil {
				return err
			}
			sources = append(sources, content)
		}
	}
	if strings.TrimSpace(info.PropertiesContent) != "" {
		sources = append(sources, info.PropertiesContent)
	}

	for _, content := range sources {
		forController, err := envvars.ParseProperties(content, controllerVars)
		if err != nil {
			return resolutionError(err, "failed to parse properties")
		}
		forNode, err := envvars.ParseProperties(content, nodeVars)
		if err != nil {
			return resolutionError(err, "failed to parse properties")
		}
		controllerVars.Merge(forController)
		nodeVars.Merge(forNode)
		log.Debug("Applied properties", tag.Count(forNode.Len()))
	}
	return nil
}

func (p *Prebuild) readProperties(ctx context.Context, root interfaces.RootPath, controllerVars, nodeVars *envvars.VariableMap) (string, error) {
	info := p.job.Info
	vars := nodeVars
	if info.LoadFilesFromController {
		vars = controllerVars
	}
	propsPath, err := envvars.Expand(info.PropertiesFilePath, vars)
	if err != nil {
		return "", resolutionError(err, "failed to resolve properties file path")
	}
	data, err := p.executor.ReadFile(ctx, info.LoadFilesFromController, root, propsPath)
	if err != nil {
		return "", resolutionError(err, fmt.Sprintf("failed to read properties file %s", propsPath))
	}
	return string(data), nil
}

// fail logs a stage failure according to its code and aborts the phase.
func (p *Prebuild) fail(log logger.Logger, trace *phaseTrace, err error) PhaseResult {
	stage := trace.current
	var message string
	switch code := errors.CodeOf(err); code {
	case errors.CodeResolution:
		message = "Failed to resolve build environment"
	case errors.CodeScriptExecution:
		message = "Failed to execute prebuild script"
	case errors.CodeScriptExit:
		message = fmt.Sprintf("Prebuild script exited with code %d", trace.result.ExitCode)
	case errors.CodeEvaluation:
		message = "Failed to evaluate prebuild expression"
	case errors.CodeConfig:
		message = "Invalid prebuild configuration"
	case errors.CodePermission:
		message = "Prebuild phase is not permitted"
	case errors.CodeUnexpected:
		message = "Unexpected failure in prebuild phase"
	default:
		message = fmt.Sprintf("Prebuild phase failed with unknown error code %s", code)
	}

	log.Error(message, tag.Stage(string(stage)), tag.Error(err))
	for i, cause := range causeChain(err) {
		log.Error("Caused by", "depth", i, tag.Error(cause))
	}
	return trace.abort(err, message)
}

// causeChain lists err and every error it wraps, outermost first.
func causeChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		err = goerrors.Unwrap(err)
	}
	return chain
}

func resolutionError(err error, message string) error {
	if _, coded := asCoded(err); coded {
		return err
	}
	return errors.Wrap(err, errors.CodeResolution, message)
}

func asCoded(err error) (*errors.Error, bool) {
	var coded *errors.Error
	ok := goerrors.As(err, &coded)
	return coded, ok
}

func buildID(build interfaces.Build) string {
	if build == nil {
		return ""
	}
	return build.ID()
}
