package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = Policy{
	MaxAttempts:        3,
	RetryDelay:         250 * time.Millisecond,
	PaceInterval:       300 * time.Millisecond,
	VisibilityAttempts: 5,
	VisibilityDelay:    200 * time.Millisecond,
	PollInterval:       2 * time.Second,
	PollTimeout:        30 * time.Second,
}

func TestParsePolicies_Inheritance(t *testing.T) {
	src := `
default: {
	max_attempts: 4
	retry_delay:  "100ms"
}
classes: {
	swap: {
		max_attempts:  6
		pace_interval: "1s"
	}
	"add-liquidity": {}
}
`
	set, err := ParsePolicies([]byte(src), "policy.cue", base)
	require.NoError(t, err)

	assert.Equal(t, 4, set.Default.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, set.Default.RetryDelay)
	assert.Equal(t, base.PaceInterval, set.Default.PaceInterval, "unset default fields inherit base")

	swap := set.Lookup("swap")
	assert.Equal(t, 6, swap.MaxAttempts)
	assert.Equal(t, time.Second, swap.PaceInterval)
	assert.Equal(t, 100*time.Millisecond, swap.RetryDelay, "class inherits file default")

	assert.Equal(t, set.Default, set.Lookup("add-liquidity"))
	assert.Equal(t, set.Default, set.Lookup("unknown"))
	assert.Equal(t, []string{"add-liquidity", "swap"}, set.ClassNames())
}

func TestParsePolicies_Empty(t *testing.T) {
	set, err := ParsePolicies([]byte(``), "empty.cue", base)
	require.NoError(t, err)
	assert.Equal(t, base, set.Default)
	assert.Empty(t, set.Classes)
}

func TestParsePolicies_Rejects(t *testing.T) {
	tests := map[string]string{
		"attempts too low":  `default: max_attempts: 0`,
		"attempts too high": `classes: swap: max_attempts: 21`,
		"bad duration":      `default: retry_delay: "soon"`,
		"unknown field":     `default: retries: 3`,
		"unknown top level": `policies: {}`,
		"not concrete":      `default: max_attempts: int`,
		"syntax error":      `default: {`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicies([]byte(src), "bad.cue", base)
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicies_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.cue")
	require.NoError(t, os.WriteFile(path, []byte(`classes: swap: max_attempts: 2`), 0o644))

	set, err := LoadPolicies(path, base)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Lookup("swap").MaxAttempts)

	_, err = LoadPolicies(filepath.Join(t.TempDir(), "missing.cue"), base)
	assert.Error(t, err)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, base.Validate())

	bad := base
	bad.RetryDelay = -time.Second
	assert.Error(t, bad.Validate())

	bad = base
	bad.MaxAttempts = 21
	assert.Error(t, bad.Validate())
}
