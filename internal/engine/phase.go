package engine

import (
	"time"

	"github.com/dangazineu/envprep/internal/envvars"
	"github.com/dangazineu/envprep/internal/errors"
)

// Stage is a state of the prebuild phase.
type Stage string

const (
	StageStart                Stage = "START"
	StageLayerResolution      Stage = "LAYER_RESOLUTION"
	StageScriptExecution      Stage = "SCRIPT_EXECUTION"
	StageExpressionEvaluation Stage = "EXPRESSION_EVALUATION"
	StageSuccess              Stage = "SUCCESS"
	StageAbort                Stage = "ABORT"
)

// StageRecord is one visited stage.
type StageRecord struct {
	Stage     Stage
	StartTime time.Time
	EndTime   time.Time
	Error     string
}

// PhaseResult is the outcome of one prebuild phase.
type PhaseResult struct {
	PhaseID   string
	Succeeded bool
	// Skipped is set when the job has the prebuild phase turned off.
	Skipped bool
	// Stage is SUCCESS or ABORT once the phase returned.
	Stage Stage
	// FailedStage is the stage that aborted the phase.
	FailedStage Stage
	Code        errors.Code
	Message     string
	Err         error

	ExitCode       int
	ScriptLaunched bool

	// ControllerVariables and Variables are the controller-context and
	// node-context mappings as far as the phase got. Variables is what the
	// host absorbs into the build environment.
	ControllerVariables *envvars.VariableMap
	Variables           *envvars.VariableMap

	Stages    []StageRecord
	StartTime time.Time
	EndTime   time.Time
}

// phaseTrace walks the stage machine and records every transition.
type phaseTrace struct {
	result  PhaseResult
	current Stage
}

func newPhaseTrace(phaseID string) *phaseTrace {
	now := time.Now()
	return &phaseTrace{
		result: PhaseResult{
			PhaseID:   phaseID,
			StartTime: now,
			Stages:    []StageRecord{{Stage: StageStart, StartTime: now, EndTime: now}},
		},
		current: StageStart,
	}
}

func (p *phaseTrace) enter(stage Stage) {
	now := time.Now()
	p.closeCurrent(now, "")
	p.result.Stages = append(p.result.Stages, StageRecord{Stage: stage, StartTime: now})
	p.current = stage
}

func (p *phaseTrace) closeCurrent(now time.Time, errMsg string) {
	last := &p.result.Stages[len(p.result.Stages)-1]
	if last.EndTime.IsZero() {
		last.EndTime = now
		last.Error = errMsg
	}
}

func (p *phaseTrace) setVariables(controllerVars, nodeVars *envvars.VariableMap) {
	p.result.ControllerVariables = controllerVars
	p.result.Variables = nodeVars
}

func (p *phaseTrace) skip() PhaseResult {
	p.result.Skipped = true
	return p.succeed()
}

func (p *phaseTrace) succeed() PhaseResult {
	now := time.Now()
	p.closeCurrent(now, "")
	p.result.Stages = append(p.result.Stages, StageRecord{Stage: StageSuccess, StartTime: now, EndTime: now})
	p.current = StageSuccess
	p.result.Succeeded = true
	p.result.Stage = StageSuccess
	p.result.EndTime = now
	return p.result
}

func (p *phaseTrace) abort(err error, message string) PhaseResult {
	now := time.Now()
	p.closeCurrent(now, message)
	p.result.Stages = append(p.result.Stages, StageRecord{Stage: StageAbort, StartTime: now, EndTime: now, Error: message})
	p.result.FailedStage = p.current
	p.current = StageAbort
	p.result.Succeeded = false
	p.result.Stage = StageAbort
	p.result.Code = errors.CodeOf(err)
	p.result.Message = message
	p.result.Err = err
	p.result.EndTime = now
	return p.result
}

// Visited lists the stages in the order the phase went through them.
func (r PhaseResult) Visited() []Stage {
	out := make([]Stage, 0, len(r.Stages))
	for _, s := range r.Stages {
		out = append(out, s.Stage)
	}
	return out
}

// Duration is the wall time of the phase.
func (r PhaseResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}
