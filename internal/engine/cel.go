package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/dangazineu/envprep/internal/envvars"
	"github.com/dangazineu/envprep/internal/errors"
)

const (
	defaultCELCostLimit  = 1000000
	defaultCELCacheLimit = 1000
	celInterruptCheck    = 100
)

// compiledCELProgram is a cached, compiled CEL program.
type compiledCELProgram struct {
	program cel.Program
}

// CELEvaluator evaluates CEL expressions. The variables are bound as
// env, a map(string, string), and the expression must produce a map.
//
//	{"PATH": env.PATH + ":/opt/tools/bin", "RELEASE": env.BRANCH == "main"}
type CELEvaluator struct {
	celEnv       *cel.Env
	costLimit    uint64
	programCache sync.Map
	cacheLimit   int
	cacheSize    int64
	cacheMutex   sync.RWMutex
}

var _ Evaluator = (*CELEvaluator)(nil)

// NewCELEvaluator creates a CEL evaluator with a bounded program cache.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("env", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnexpected, "failed to create CEL environment")
	}
	return &CELEvaluator{
		celEnv:     env,
		costLimit:  defaultCELCostLimit,
		cacheLimit: defaultCELCacheLimit,
	}, nil
}

func (ce *CELEvaluator) Evaluate(ctx context.Context, body string, vars *envvars.VariableMap) (*envvars.VariableMap, error) {
	if strings.TrimSpace(body) == "" {
		return vars.Clone(), nil
	}

	program, err := ce.getOrCompile(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEvaluation, "failed to compile expression")
	}

	out, _, err := program.ContextEval(ctx, map[string]any{"env": vars.ToMap()})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEvaluation, "expression failed")
	}

	bindings, err := celBindings(out)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEvaluation, "expression returned an unusable result")
	}
	return applyBindings(vars, bindings), nil
}

// Check compiles body without evaluating it.
func (ce *CELEvaluator) Check(body string) error {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	if _, err := ce.getOrCompile(body); err != nil {
		return errors.Wrap(err, errors.CodeEvaluation, "failed to compile expression")
	}
	return nil
}

func (ce *CELEvaluator) getOrCompile(expr string) (cel.Program, error) {
	if cached, found := ce.programCache.Load(expr); found {
		if compiled, ok := cached.(*compiledCELProgram); ok {
			return compiled.program, nil
		}
	}

	ast, issues := ce.celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	program, err := ce.celEnv.Program(ast,
		cel.CostLimit(ce.costLimit),
		cel.InterruptCheckFrequency(celInterruptCheck),
	)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}

	compiled := &compiledCELProgram{program: program}

	ce.cacheMutex.Lock()
	defer ce.cacheMutex.Unlock()

	if cached, found := ce.programCache.Load(expr); found {
		if existing, ok := cached.(*compiledCELProgram); ok {
			return existing.program, nil
		}
	}

	if ce.cacheSize >= int64(ce.cacheLimit) {
		ce.clearCacheUnsafe()
	}
	ce.programCache.Store(expr, compiled)
	ce.cacheSize++

	return program, nil
}

// clearCacheUnsafe empties the program cache. Must be called with cacheMutex held.
func (ce *CELEvaluator) clearCacheUnsafe() {
	ce.programCache.Range(func(key, _ any) bool {
		ce.programCache.Delete(key)
		return true
	})
	ce.cacheSize = 0
}

// ClearCache drops every compiled program.
func (ce *CELEvaluator) ClearCache() {
	ce.cacheMutex.Lock()
	defer ce.cacheMutex.Unlock()
	ce.clearCacheUnsafe()
}

// CacheStats returns the number of cached programs and the cache limit.
func (ce *CELEvaluator) CacheStats() (size int64, limit int) {
	ce.cacheMutex.RLock()
	defer ce.cacheMutex.RUnlock()
	return ce.cacheSize, ce.cacheLimit
}

func celBindings(out ref.Val) (map[string]string, error) {
	mapper, ok := out.(traits.Mapper)
	if !ok {
		return nil, fmt.Errorf("expression must return a map, got %v", out.Type())
	}

	bindings := make(map[string]string)
	it := mapper.Iterator()
	for it.HasNext() == types.True {
		k := it.Next()
		key, err := bindingKey(k.Value())
		if err != nil {
			return nil, err
		}
		value, err := celScalar(mapper.Get(k))
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", key, err)
		}
		bindings[key] = value
	}
	return bindings, nil
}

func celScalar(v ref.Val) (string, error) {
	switch val := v.(type) {
	case types.String:
		return string(val), nil
	case types.Int:
		return strconv.FormatInt(int64(val), 10), nil
	case types.Uint:
		return strconv.FormatUint(uint64(val), 10), nil
	case types.Double:
		return strconv.FormatFloat(float64(val), 'f', -1, 64), nil
	case types.Bool:
		return strconv.FormatBool(bool(val)), nil
	case types.Null:
		return "", nil
	case *types.Err:
		return "", val
	default:
		return "", fmt.Errorf("value must be a scalar, got %v", v.Type())
	}
}
