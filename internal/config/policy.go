package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed policy.cue
var policySchema string

// Bounds on MaxAttempts.
const (
	MinAttempts = 1
	MaxAttempts = 20
)

// Policy governs retries, pacing and visibility for one operation class.
type Policy struct {
	MaxAttempts        int           `json:"max_attempts"`
	RetryDelay         time.Duration `json:"retry_delay"`
	PaceInterval       time.Duration `json:"pace_interval"`
	VisibilityAttempts int           `json:"visibility_attempts"`
	VisibilityDelay    time.Duration `json:"visibility_delay"`
	PollInterval       time.Duration `json:"poll_interval"`
	PollTimeout        time.Duration `json:"poll_timeout"`
}

// Validate checks bounds.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxAttempts < MinAttempts || p.MaxAttempts > MaxAttempts {
		errs = append(errs, fmt.Errorf("max_attempts must be between %d and %d, got %d", MinAttempts, MaxAttempts, p.MaxAttempts))
	}
	if p.RetryDelay < 0 || p.PaceInterval < 0 || p.VisibilityDelay < 0 || p.PollInterval < 0 || p.PollTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if p.VisibilityAttempts < 0 {
		errs = append(errs, errors.New("visibility_attempts must not be negative"))
	}
	return errors.Join(errs...)
}

// PolicySet resolves the policy for an operation class.
type PolicySet struct {
	Default Policy
	Classes map[string]Policy
}

// NewPolicySet creates a set with only a default policy.
func NewPolicySet(def Policy) PolicySet {
	return PolicySet{Default: def, Classes: map[string]Policy{}}
}

// Lookup returns the class policy, or the default.
func (s PolicySet) Lookup(class string) Policy {
	if p, ok := s.Classes[class]; ok {
		return p
	}
	return s.Default
}

// ClassNames returns the configured class names, sorted.
func (s PolicySet) ClassNames() []string {
	names := make([]string, 0, len(s.Classes))
	for n := range s.Classes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// rawPolicy mirrors #Policy. Nil fields inherit.
type rawPolicy struct {
	MaxAttempts        *int    `json:"max_attempts"`
	RetryDelay         *string `json:"retry_delay"`
	PaceInterval       *string `json:"pace_interval"`
	VisibilityAttempts *int    `json:"visibility_attempts"`
	VisibilityDelay    *string `json:"visibility_delay"`
	PollInterval       *string `json:"poll_interval"`
	PollTimeout        *string `json:"poll_timeout"`
}

type rawPolicies struct {
	Default *rawPolicy           `json:"default"`
	Classes map[string]rawPolicy `json:"classes"`
}

// LoadPolicies reads a CUE policy file. Fields the file leaves unset
// inherit from the file's default block, which inherits from base.
func LoadPolicies(path string, base Policy) (PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PolicySet{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicies(data, path, base)
}

// ParsePolicies validates CUE source against the policy schema and
// resolves inheritance.
func ParsePolicies(data []byte, filename string, base Policy) (PolicySet, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(policySchema, cue.Filename("policy.cue"))
	if err := schema.Err(); err != nil {
		return PolicySet{}, fmt.Errorf("compile policy schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return PolicySet{}, formatCUEError(err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Policies")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return PolicySet{}, formatCUEError(err)
	}

	var raw rawPolicies
	if err := unified.Decode(&raw); err != nil {
		return PolicySet{}, formatCUEError(err)
	}

	def := base
	if raw.Default != nil {
		p, err := raw.Default.apply(base)
		if err != nil {
			return PolicySet{}, fmt.Errorf("default: %w", err)
		}
		def = p
	}
	if err := def.Validate(); err != nil {
		return PolicySet{}, fmt.Errorf("default: %w", err)
	}

	set := NewPolicySet(def)
	for name, rp := range raw.Classes {
		p, err := rp.apply(def)
		if err != nil {
			return PolicySet{}, fmt.Errorf("classes.%s: %w", name, err)
		}
		if err := p.Validate(); err != nil {
			return PolicySet{}, fmt.Errorf("classes.%s: %w", name, err)
		}
		set.Classes[name] = p
	}
	return set, nil
}

func (r rawPolicy) apply(base Policy) (Policy, error) {
	p := base
	if r.MaxAttempts != nil {
		p.MaxAttempts = *r.MaxAttempts
	}
	if r.VisibilityAttempts != nil {
		p.VisibilityAttempts = *r.VisibilityAttempts
	}
	durations := []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"retry_delay", r.RetryDelay, &p.RetryDelay},
		{"pace_interval", r.PaceInterval, &p.PaceInterval},
		{"visibility_delay", r.VisibilityDelay, &p.VisibilityDelay},
		{"poll_interval", r.PollInterval, &p.PollInterval},
		{"poll_timeout", r.PollTimeout, &p.PollTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return Policy{}, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return p, nil
}

func formatCUEError(err error) error {
	return fmt.Errorf("invalid policy file: %s", cueerrors.Details(err, nil))
}
