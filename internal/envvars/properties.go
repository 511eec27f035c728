package envvars

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Placeholders that keep dollar signs away from the dotenv parser, so values
// are expanded only after the content has been split into keys.
const (
	dollarMark        = "\x00"
	escapedDollarMark = "\x01"
)

var (
	protectDollars = strings.NewReplacer(`\$`, escapedDollarMark, "$", dollarMark)
	restoreDollars = strings.NewReplacer(escapedDollarMark, `\$`, dollarMark, "$")
)

// ParseProperties parses KEY=VALUE properties (dotenv syntax: comments,
// quoting and "export" prefixes are accepted). Values are then expanded in
// definition order against base and the keys defined earlier in the same
// content. Expanded values never change how the content is split.
func ParseProperties(content string, base *VariableMap) (*VariableMap, error) {
	if strings.TrimSpace(content) == "" {
		return New(), nil
	}

	protected := protectDollars.Replace(content)
	parsed, err := godotenv.Unmarshal(protected)
	if err != nil {
		return nil, fmt.Errorf("failed to parse properties: %w", err)
	}

	scope := New()
	if base != nil {
		scope = base.Clone()
	}
	out := New()
	for _, key := range definitionOrder(protected, parsed) {
		if strings.ContainsAny(key, dollarMark+escapedDollarMark) {
			return nil, fmt.Errorf("invalid property name %q", restoreDollars.Replace(key))
		}
		raw := restoreDollars.Replace(parsed[key])
		value, err := Expand(raw, scope)
		if err != nil {
			value = ExpandKnown(raw, scope)
		}
		out.Set(key, value)
		scope.Set(key, value)
	}
	return out, nil
}

// definitionOrder returns the keys of parsed in the order they are first
// defined in content. Keys it cannot place follow in sorted order.
func definitionOrder(content string, parsed map[string]string) []string {
	keys := make([]string, 0, len(parsed))
	seen := make(map[string]bool, len(parsed))
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		end := strings.IndexAny(line, "=:")
		if end <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:end])
		if _, ok := parsed[key]; ok && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	var rest []string
	for key := range parsed {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// WriteProperties writes vars in dotenv format to w.
func WriteProperties(w io.Writer, vars *VariableMap) error {
	content, err := godotenv.Marshal(vars.ToMap())
	if err != nil {
		return fmt.Errorf("failed to render properties: %w", err)
	}
	if content != "" {
		content += "\n"
	}
	_, err = io.WriteString(w, content)
	return err
}
