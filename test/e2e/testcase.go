// Package e2e holds end-to-end scenarios for the envprep binary.
package e2e

import (
	"fmt"
	"os"
	"path/filepath"
)

// TestCase is a job, a build descriptor and the files around them.
type TestCase struct {
	Name  string
	Job   string
	Build string
	// Files are written relative to the case directory. The build
	// descriptor's local node root is "agent".
	Files map[string]string

	ExpectSuccess bool
	// ExpectOutput are substrings of the build console.
	ExpectOutput []string
	// ExpectVars are bindings the final environment must contain.
	ExpectVars map[string]string
	// ExpectAbsent are variables the final environment must not contain.
	ExpectAbsent []string
}

// SetupLocal writes the case into a fresh temporary directory and returns it.
func (tc *TestCase) SetupLocal() (string, error) {
	dir, err := os.MkdirTemp("", "envprep-e2e-"+tc.Name+"-")
	if err != nil {
		return "", err
	}
	files := map[string]string{"job.yml": tc.Job, "build.yml": tc.Build}
	for name, content := range tc.Files {
		files[name] = content
	}
	if err := os.MkdirAll(filepath.Join(dir, "agent"), 0755); err != nil {
		return "", err
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return dir, nil
}

const layeredBuild = `
id: e2e#1
previous:
  FOO: "1"
build:
  FOO: "2"
  BAR: "3"
node:
  name: agent
  type: local
  root: agent
`

var TestCases = map[string]TestCase{
	"merge-layers": {
		Name:          "merge-layers",
		Job:           "on: true\n",
		Build:         layeredBuild,
		ExpectSuccess: true,
		ExpectOutput:  []string{"LAYER_RESOLUTION", "SCRIPT_EXECUTION", "EXPRESSION_EVALUATION"},
		ExpectVars:    map[string]string{"FOO": "2", "BAR": "3"},
	},
	"no-node": {
		Name: "no-node",
		Job: `
on: true
info:
  scriptContent: exit 1
  expressionContent: '{"BAZ": "9"}'
`,
		Build:         "id: e2e#2\nbuild:\n  FOO: '2'\n",
		ExpectSuccess: true,
		ExpectOutput:  []string{"skipping script and expression"},
		ExpectVars:    map[string]string{"FOO": "2"},
		ExpectAbsent:  []string{"BAZ"},
	},
	"script-exit-code": {
		Name:          "script-exit-code",
		Job:           "on: true\ninfo:\n  scriptContent: exit 2\n",
		Build:         layeredBuild,
		ExpectSuccess: false,
		ExpectOutput:  []string{"exited with code 2"},
	},
	"expression-binding": {
		Name:          "expression-binding",
		Job:           "on: true\ninfo:\n  expressionContent: '{\"BAZ\": \"9\"}'\n",
		Build:         "id: e2e#4\nbuild:\n  FOO: '2'\nnode:\n  type: local\n  root: agent\n",
		ExpectSuccess: true,
		ExpectVars:    map[string]string{"FOO": "2", "BAZ": "9"},
	},
	"full-pipeline": {
		Name: "full-pipeline",
		Job: `
on: true
info:
  propertiesContent: |
    CHANNEL=${BAR}-beta
  scriptFilePath: ci/prepare.sh
  loadFilesFromMaster: true
  scriptContent: echo "STAMP=$CHANNEL" >> "$ENVPREP_ENV"
  expressionLanguage: jq
  expressionContent: '{TAG: ("v" + .FOO + "-" + .STAMP)}'
  scriptTimeout: 30s
`,
		Build: layeredBuild,
		Files: map[string]string{
			"ci/prepare.sh": `echo "preparing channel $CHANNEL"`,
		},
		ExpectSuccess: true,
		ExpectOutput:  []string{"preparing channel 3-beta"},
		ExpectVars:    map[string]string{"CHANNEL": "3-beta", "STAMP": "3-beta", "TAG": "v2-3-beta"},
	},
}
