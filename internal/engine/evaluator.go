package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dangazineu/envprep/internal/config"
	"github.com/dangazineu/envprep/internal/envvars"
	"github.com/dangazineu/envprep/internal/errors"
)

// Evaluator runs a user expression on the controller and folds the bindings
// it returns into the variables.
type Evaluator interface {
	// Evaluate returns a new mapping with the expression's bindings applied
	// over vars. A blank body returns vars unchanged.
	Evaluate(ctx context.Context, body string, vars *envvars.VariableMap) (*envvars.VariableMap, error)
}

// Checker is implemented by evaluators that can reject a malformed body
// without running it.
type Checker interface {
	Check(body string) error
}

// NewEvaluator returns the evaluator for an expression language. An empty
// language selects CEL.
func NewEvaluator(language string) (Evaluator, error) {
	switch strings.ToLower(language) {
	case "", config.LanguageCEL:
		ev, err := NewCELEvaluator()
		if err != nil {
			return nil, err
		}
		return ev, nil
	case config.LanguageJQ:
		return NewJQEvaluator(), nil
	default:
		return nil, errors.Newf(errors.CodeConfig, "unsupported expression language %q", language)
	}
}

// applyBindings overlays bindings onto a copy of vars in sorted key order.
func applyBindings(vars *envvars.VariableMap, bindings map[string]string) *envvars.VariableMap {
	out := vars.Clone()
	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Set(k, bindings[k])
	}
	return out
}

func bindingKey(key any) (string, error) {
	s, ok := key.(string)
	if !ok {
		return "", fmt.Errorf("variable names must be strings, got %T", key)
	}
	if s == "" {
		return "", fmt.Errorf("variable names must not be empty")
	}
	return s, nil
}
