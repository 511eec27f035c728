package envvars

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// Expand performs POSIX shell parameter expansion of s against vars, with
// here-document rules: \$ is a literal dollar and there is no tilde or glob
// expansion. Unknown variables expand to the empty string. Command
// substitution is not executed; inputs containing it fall back to plain
// variable substitution.
func Expand(s string, vars *VariableMap) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}

	word, err := syntax.NewParser().Document(strings.NewReader(s))
	if err != nil {
		return "", fmt.Errorf("failed to parse %q: %w", s, err)
	}
	if word == nil {
		return "", nil
	}

	cfg := &expand.Config{
		Env: expand.FuncEnviron(vars.Get),
	}
	result, err := expand.Document(cfg, word)
	if err != nil {
		var unexpected expand.UnexpectedCommandError
		if errors.As(err, &unexpected) {
			return ExpandKnown(s, vars), nil
		}
		return "", fmt.Errorf("failed to expand %q: %w", s, err)
	}
	return result, nil
}

var reVarReference = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// ExpandKnown substitutes $VAR and ${VAR} references that vars defines and
// leaves every other reference untouched.
func ExpandKnown(s string, vars *VariableMap) string {
	return reVarReference.ReplaceAllStringFunc(s, func(match string) string {
		key := strings.TrimPrefix(match, "$")
		key = strings.TrimSuffix(strings.TrimPrefix(key, "{"), "}")
		if v, ok := vars.Lookup(key); ok {
			return v
		}
		return match
	})
}

// Quote renders value as a single POSIX shell word.
func Quote(value string) (string, error) {
	return syntax.Quote(value, syntax.LangPOSIX)
}
