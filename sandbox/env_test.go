package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterEnvironment(t *testing.T) {
	tests := []struct {
		name      string
		requested map[string]string
		allowed   []string
		expected  map[string]string
	}{
		{
			name:      "Intersection",
			requested: map[string]string{"API_KEY": "secret", "LANG": "C.UTF-8", "DEBUG": "1"},
			allowed:   []string{"LANG", "DEBUG", "HOME"},
			expected:  map[string]string{"LANG": "C.UTF-8", "DEBUG": "1"},
		},
		{
			name:      "NothingAllowed",
			requested: map[string]string{"LANG": "C.UTF-8"},
			allowed:   []string{},
			expected:  map[string]string{},
		},
		{
			name:      "NothingRequested",
			requested: nil,
			allowed:   []string{"PATH"},
			expected:  map[string]string{},
		},
		{
			name:      "EmptyValueKept",
			requested: map[string]string{"EMPTY": ""},
			allowed:   []string{"EMPTY"},
			expected:  map[string]string{"EMPTY": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FilterEnvironment(tt.requested, tt.allowed))
		})
	}
}

func TestFilterEnvironmentDoesNotReadHost(t *testing.T) {
	t.Setenv("PYSANDBOX_HOST_ONLY", "leak")

	got := FilterEnvironment(map[string]string{}, []string{"PYSANDBOX_HOST_ONLY", "PATH"})
	assert.Empty(t, got)
}

func TestEnvList(t *testing.T) {
	assert.Equal(t, []string{"A=1", "B=2"}, envList(map[string]string{"B": "2", "A": "1"}))

	empty := envList(nil)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestAllowedEnvVarsDefaults(t *testing.T) {
	sub := Config{RunnerKind: RunnerSubprocess}
	assert.Equal(t, DefaultSubprocessAllowedEnvVars, sub.allowedEnvVars())

	ctr := Config{RunnerKind: RunnerContainer}
	assert.Equal(t, DefaultContainerAllowedEnvVars, ctr.allowedEnvVars())

	explicit := Config{RunnerKind: RunnerContainer, AllowedEnvVars: []string{}}
	assert.Empty(t, explicit.allowedEnvVars())
}
