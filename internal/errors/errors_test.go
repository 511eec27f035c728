package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	assert.Equal(t, "EVALUATION: bad expression", New(CodeEvaluation, "bad expression").Error())
	assert.Equal(t, "SCRIPT_EXECUTION: launch failed - EOF", Wrap(io.EOF, CodeScriptExecution, "launch failed").Error())
	assert.Equal(t, "SCRIPT_EXIT: exit 2", Newf(CodeScriptExit, "exit %d", 2).Error())
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "direct", err: New(CodeResolution, "x"), want: CodeResolution},
		{name: "wrapped by fmt", err: fmt.Errorf("outer: %w", New(CodeEvaluation, "x")), want: CodeEvaluation},
		{name: "plain error", err: io.EOF, want: CodeUnexpected},
		{name: "outermost wins", err: Wrap(New(CodeScriptExit, "inner"), CodeScriptExecution, "outer"), want: CodeScriptExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestIsAndUnwrap(t *testing.T) {
	err := Wrap(io.ErrUnexpectedEOF, CodeScriptExecution, "read script")
	assert.True(t, Is(err, CodeScriptExecution))
	assert.False(t, Is(err, CodeEvaluation))
	assert.False(t, Is(nil, CodeUnexpected))
	assert.True(t, stderrors.Is(err, io.ErrUnexpectedEOF))
}
