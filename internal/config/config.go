package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported expression languages.
const (
	LanguageCEL = "cel"
	LanguageJQ  = "jq"
)

// DefaultShell runs staged scripts on a node.
var DefaultShell = []string{"/bin/sh", "-e"}

// JobConfig is the prebuild configuration of a job.
type JobConfig struct {
	On   bool         `yaml:"on"`
	Info PrebuildInfo `yaml:"info"`
}

// PrebuildInfo describes what the prebuild phase injects and runs.
type PrebuildInfo struct {
	PropertiesFilePath      string   `yaml:"propertiesFilePath,omitempty"`
	PropertiesContent       string   `yaml:"propertiesContent,omitempty"`
	ScriptFilePath          string   `yaml:"scriptFilePath,omitempty"`
	ScriptContent           string   `yaml:"scriptContent,omitempty"`
	ExpressionContent       string   `yaml:"expressionContent,omitempty"`
	ExpressionLanguage      string   `yaml:"expressionLanguage,omitempty"`
	LoadFilesFromController bool     `yaml:"loadFilesFromMaster,omitempty"`
	Shell                   []string `yaml:"shell,omitempty"`
	ScriptTimeout           Duration `yaml:"scriptTimeout,omitempty"`
}

// UnmarshalYAML accepts "groovyScriptContent" as an alias of
// "expressionContent" and "loadFilesFromController" as an alias of
// "loadFilesFromMaster".
func (info *PrebuildInfo) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("info must be an object")
	}

	type prebuildInfoAlias PrebuildInfo
	alias := (*prebuildInfoAlias)(info)
	if err := node.Decode(alias); err != nil {
		return err
	}

	var legacy struct {
		GroovyScriptContent     string `yaml:"groovyScriptContent"`
		LoadFilesFromController *bool  `yaml:"loadFilesFromController"`
	}
	if err := node.Decode(&legacy); err != nil {
		return err
	}
	if info.ExpressionContent == "" {
		info.ExpressionContent = legacy.GroovyScriptContent
	}
	if legacy.LoadFilesFromController != nil {
		info.LoadFilesFromController = *legacy.LoadFilesFromController
	}
	return nil
}

// Language returns the effective expression language.
func (info PrebuildInfo) Language() string {
	if info.ExpressionLanguage == "" {
		return LanguageCEL
	}
	return info.ExpressionLanguage
}

// ShellCommand returns the effective command used to run staged scripts.
func (info PrebuildInfo) ShellCommand() []string {
	if len(info.Shell) == 0 {
		return append([]string(nil), DefaultShell...)
	}
	return append([]string(nil), info.Shell...)
}

// Duration is a time.Duration written as a Go duration string ("90s").
// Zero means no limit.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string such as \"5m\"")
	}
	if node.Value == "" || node.Value == "0" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// IsZero lets omitempty drop unset durations.
func (d Duration) IsZero() bool {
	return d == 0
}

func Load(path string) (*JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*JobConfig, error) {
	var config JobConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Save writes config to path as YAML.
func Save(path string, config *JobConfig) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}
	return nil
}

func validate(config *JobConfig) error {
	info := &config.Info

	switch info.ExpressionLanguage {
	case "", LanguageCEL, LanguageJQ:
	default:
		return fmt.Errorf("invalid expressionLanguage '%s', must be one of: %v", info.ExpressionLanguage, []string{LanguageCEL, LanguageJQ})
	}

	if info.ScriptTimeout < 0 {
		return fmt.Errorf("scriptTimeout cannot be negative")
	}

	for i, arg := range info.Shell {
		if strings.TrimSpace(arg) == "" {
			return fmt.Errorf("shell argument %d cannot be empty", i)
		}
	}

	return nil
}

// Reconfigure returns the configuration to store when proposed replaces
// current. Actors without the run-scripts capability cannot change the
// expression: its body and language are carried over from current.
func Reconfigure(current, proposed *JobConfig, canRunScripts bool) *JobConfig {
	if proposed == nil {
		return nil
	}
	next := *proposed
	next.Info.Shell = append([]string(nil), proposed.Info.Shell...)
	if canRunScripts {
		return &next
	}

	next.Info.ExpressionContent = ""
	next.Info.ExpressionLanguage = ""
	if current != nil {
		next.Info.ExpressionContent = current.Info.ExpressionContent
		next.Info.ExpressionLanguage = current.Info.ExpressionLanguage
	}
	return &next
}
