package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strp(s string) *string { return &s }

func TestParseRequirement(t *testing.T) {
	tests := []struct {
		name     string
		requires *string
		want     []string
	}{
		{"nil descriptor", nil, nil},
		{"empty string", strp(""), nil},
		{"json null", strp("null"), nil},
		{"invalid json", strp("{caps"), nil},
		{"empty caps", strp(`{"caps":[]}`), nil},
		{"single cap", strp(`{"caps":["llm:vllm"]}`), []string{"llm:vllm"}},
		{"trims blanks", strp(`{"caps":[" repo_tools ",""]}`), []string{"repo_tools"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRequirement(tt.requires)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCaps(t *testing.T) {
	assert.Empty(t, ParseCaps(""))
	assert.Equal(t, []string{"a", "b"}, ParseCaps("a,b"))
	assert.Equal(t, []string{"a", "b"}, ParseCaps(" a , b "))
	assert.Equal(t, []string{"llm:vllm", "repo_tools"}, ParseCaps(`["llm:vllm","repo_tools"]`))
	assert.Empty(t, ParseCaps("[not json"))
	assert.Empty(t, ParseCaps("[]"))
}

func TestCapsSatisfied(t *testing.T) {
	assert.True(t, CapsSatisfied(nil, nil))
	assert.True(t, CapsSatisfied(nil, []string{"x"}))
	assert.True(t, CapsSatisfied([]string{"a"}, []string{"a", "b"}))
	assert.False(t, CapsSatisfied([]string{"a", "c"}, []string{"a", "b"}))
	assert.False(t, CapsSatisfied([]string{"a"}, nil))
}

func TestJobTerminal(t *testing.T) {
	assert.False(t, Job{Status: JobQueued}.Terminal())
	assert.False(t, Job{Status: JobRunning}.Terminal())
	assert.True(t, Job{Status: JobDone}.Terminal())
	assert.True(t, Job{Status: JobFailed}.Terminal())
}
