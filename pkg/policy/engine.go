package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Engine compiles and evaluates policies. Policies are compiled once
// and the prepared queries reused across evaluations.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	log      zerolog.Logger
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine preloaded with the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		log:      logger.With().Str("component", "policy").Logger(),
	}
	for _, p := range builtinPolicies() {
		if err := e.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("compiling built-in policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// Load compiles and registers every policy found under the given paths.
func (e *Engine) Load(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.log).LoadFromPaths(paths)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := e.compile(ctx, p); err != nil {
			return fmt.Errorf("compiling policy %s: %w", p.Name, err)
		}
	}
	e.log.Info().Int("count", len(policies)).Msg("policies loaded")
	return nil
}

// Replace swaps in a new set of loaded policies, keeping built-ins.
// Used by the file watcher on policy changes.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	fresh := &Engine{policies: make(map[string]*compiledPolicy), log: e.log}
	for _, p := range builtinPolicies() {
		if err := fresh.compile(ctx, p); err != nil {
			return err
		}
	}
	for _, p := range policies {
		if err := fresh.compile(ctx, p); err != nil {
			return fmt.Errorf("compiling policy %s: %w", p.Name, err)
		}
	}
	e.mu.Lock()
	e.policies = fresh.policies
	e.mu.Unlock()
	return nil
}

// Evaluate runs every enabled policy against the input.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Decision, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if input.Context.Timestamp.IsZero() {
		input.Context.Timestamp = start
	}

	decision := &Decision{Allowed: true, EvaluatedAt: start}
	for _, cp := range e.sorted() {
		if !cp.policy.Enabled {
			continue
		}
		violations, err := e.evaluateOne(ctx, cp, input)
		if err != nil {
			e.log.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("resource", input.Name).
				Msg("policy evaluation failed")
			decision.Warnings = append(decision.Warnings,
				fmt.Sprintf("policy %s failed to evaluate: %v", cp.policy.Name, err))
			continue
		}
		decision.Violations = append(decision.Violations, violations...)
	}

	for _, v := range decision.Violations {
		if v.Severity.blocking() {
			decision.Allowed = false
			break
		}
	}
	decision.Duration = time.Since(start)

	e.log.Debug().
		Str("kind", input.Kind).
		Str("resource", input.Name).
		Str("operation", input.Operation).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Msg("policy decision")
	return decision, nil
}

func (e *Engine) evaluateOne(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denies, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denies {
				violations = append(violations, e.violation(cp.policy, d, input))
			}
		}
	}
	return violations, nil
}

// violation shapes one deny result. A deny may be a bare message string
// or an object carrying message, severity and resource overrides.
func (e *Engine) violation(p Policy, deny interface{}, input *Input) Violation {
	v := Violation{
		Policy:     p.Name,
		Resource:   input.Name,
		Severity:   p.Severity,
		DetectedAt: time.Now(),
	}
	switch d := deny.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if res, ok := d["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", deny)
	}
	return v
}

func (e *Engine) compile(ctx context.Context, p Policy) error {
	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(denyQuery(p.Rego)),
	).PrepareForEval(ctx)
	if err != nil {
		return err
	}
	e.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	return nil
}

// denyQuery builds the data query for the policy's deny set from its
// package declaration.
func denyQuery(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			return "data." + strings.Fields(trimmed)[1] + ".deny"
		}
	}
	return "data.incant.deny"
}

// sorted returns the compiled policies in name order so evaluation and
// reporting are deterministic.
func (e *Engine) sorted() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}

// Get returns a policy by name.
func (e *Engine) Get(name string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return Policy{}, false
	}
	return cp.policy, true
}

// List returns every registered policy in name order.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.sorted() {
		out = append(out, cp.policy)
	}
	return out
}

// SetEnabled enables or disables a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.log.Info().Str("policy", name).Bool("enabled", enabled).Msg("policy toggled")
	return nil
}
