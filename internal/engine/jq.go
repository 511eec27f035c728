package engine

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/itchyny/gojq"

	"github.com/dangazineu/envprep/internal/envvars"
	"github.com/dangazineu/envprep/internal/errors"
)

// JQEvaluator evaluates jq queries. The input is an object of the variables
// and the query must emit exactly one object.
//
//	{PATH: (.PATH + ":/opt/tools/bin"), RELEASE: (.BRANCH == "main")}
type JQEvaluator struct {
	queries *expirable.LRU[string, *gojq.Code]
}

const defaultJQCacheLimit = 256

var _ Evaluator = (*JQEvaluator)(nil)

// NewJQEvaluator creates a jq evaluator that keeps the most recently used
// compiled queries.
func NewJQEvaluator() *JQEvaluator {
	return &JQEvaluator{
		queries: expirable.NewLRU[string, *gojq.Code](defaultJQCacheLimit, nil, 0),
	}
}

func (je *JQEvaluator) Evaluate(ctx context.Context, body string, vars *envvars.VariableMap) (*envvars.VariableMap, error) {
	if strings.TrimSpace(body) == "" {
		return vars.Clone(), nil
	}

	code, err := je.getOrCompile(body)
	if err != nil {
		return nil, err
	}

	input := make(map[string]any, vars.Len())
	vars.Range(func(k, v string) bool {
		input[k] = v
		return true
	})

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			if haltErr, ok := err.(*gojq.HaltError); ok && haltErr.Value() == nil {
				break
			}
			return nil, errors.Wrap(err, errors.CodeEvaluation, "jq query failed")
		}
		results = append(results, v)
	}

	if len(results) != 1 {
		return nil, errors.Newf(errors.CodeEvaluation, "jq query must emit exactly one object, got %d values", len(results))
	}
	obj, ok := results[0].(map[string]any)
	if !ok {
		return nil, errors.Newf(errors.CodeEvaluation, "jq query must emit an object, got %T", results[0])
	}

	bindings := make(map[string]string, len(obj))
	for k, v := range obj {
		key, err := bindingKey(k)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeEvaluation, "jq query returned an unusable result")
		}
		value, err := jqScalar(v)
		if err != nil {
			return nil, errors.Wrap(fmt.Errorf("variable %s: %w", key, err), errors.CodeEvaluation, "jq query returned an unusable result")
		}
		bindings[key] = value
	}
	return applyBindings(vars, bindings), nil
}

// Check parses and compiles body without running it.
func (je *JQEvaluator) Check(body string) error {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	_, err := je.getOrCompile(body)
	return err
}

func (je *JQEvaluator) getOrCompile(body string) (*gojq.Code, error) {
	if code, ok := je.queries.Get(body); ok {
		return code, nil
	}
	code, err := compileJQ(body)
	if err != nil {
		return nil, err
	}
	je.queries.Add(body, code)
	return code, nil
}

// CacheSize returns the number of compiled queries held.
func (je *JQEvaluator) CacheSize() int {
	return je.queries.Len()
}

func compileJQ(body string) (*gojq.Code, error) {
	query, err := gojq.Parse(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEvaluation, "failed to parse jq query")
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEvaluation, "failed to compile jq query")
	}
	return code, nil
}

func jqScalar(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case *big.Int:
		return val.String(), nil
	default:
		return "", fmt.Errorf("value must be a scalar, got %T", v)
	}
}
