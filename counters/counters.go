// Package counters maintains scenario statistics alongside the write path:
// per-collection operation totals, conditional rule counters driven by an
// operator-map predicate grammar or a CEL expression, and unique-value
// tracking. Counting is at-least-once and strictly best-effort; a counter
// failure never fails the write that triggered it.
package counters

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/chronosdb/chronos"
	"github.com/chronosdb/chronos/metadata"
)

// Scope addresses one counter document set.
type Scope struct {
	Tenant     string
	DBName     string
	Collection string
}

// Totals is the per-collection operation tally from cnt_total.
type Totals struct {
	Created int64     `bson:"created" json:"created"`
	Updated int64     `bson:"updated" json:"updated"`
	Deleted int64     `bson:"deleted" json:"deleted"`
	FirstAt time.Time `bson:"firstAt" json:"firstAt"`
	LastAt  time.Time `bson:"lastAt" json:"lastAt"`
}

// Repo persists counter state. Implementations must make every increment
// atomic on its own; cross-document atomicity is not required.
type Repo interface {
	IncTotal(ctx context.Context, scope Scope, field string, at time.Time) error
	// IncScenario bumps the rule's total and its per-operation bucket.
	IncScenario(ctx context.Context, scope Scope, rule string, op chronos.OperationType, at time.Time) error
	// AddUnique registers one observed value under its countUnique property
	// and reports whether it was new for that (rule, property) within the
	// scope. Equal values under different properties are distinct.
	AddUnique(ctx context.Context, scope Scope, rule string, prop string, value string, at time.Time) (bool, error)
	Totals(ctx context.Context, scope Scope) (Totals, error)
	ScenarioCount(ctx context.Context, scope Scope, rule string) (int64, error)
	UniqueCounts(ctx context.Context, scope Scope, rule string) (map[string]int64, error)
}

// Engine evaluates the configured rules against committed writes.
type Engine struct {
	repo  Repo
	rules []compiledRule
	now   func() time.Time
}

// New compiles the rule set. A malformed CEL expression is a configuration
// error surfaced at startup, not at write time.
func New(repo Repo, rules chronos.CounterRules) (*Engine, error) {
	e := &Engine{repo: repo, now: time.Now}
	for _, r := range rules.Rules {
		cr := compiledRule{spec: r}
		if r.CELExpr != "" {
			prog, err := compileCEL(r.CELExpr)
			if err != nil {
				return nil, chronos.Errorf(chronos.ErrConfig, "counter rule %q, details: %v", r.Name, err)
			}
			cr.prog = prog
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// Sink adapts the engine to one scope for the write pipeline.
func (e *Engine) Sink(scope Scope) *ScopedSink {
	return &ScopedSink{engine: e, scope: scope}
}

// ScopedSink is the per-collection adapter handed to a pipeline.
type ScopedSink struct {
	engine *Engine
	scope  Scope
}

// Bump forwards a committed write into the engine. Never fails.
func (s *ScopedSink) Bump(ctx context.Context, op chronos.OperationType, meta map[string]any, payload map[string]any) {
	s.engine.Bump(ctx, s.scope, op, meta, payload)
}

// totalField maps an operation onto its cnt_total column. Enrichment counts
// as an update; restores are not tallied.
func totalField(op chronos.OperationType) string {
	switch op {
	case chronos.OpCreate:
		return "created"
	case chronos.OpUpdate, chronos.OpEnrich:
		return "updated"
	case chronos.OpDelete:
		return "deleted"
	}
	return ""
}

// Bump applies totals and every matching rule for one committed write.
// Failures are logged and swallowed.
func (e *Engine) Bump(ctx context.Context, scope Scope, op chronos.OperationType, meta map[string]any, payload map[string]any) {
	at := e.now().UTC()
	log.Warn(fmt.Sprintf("DBG counters.Bump scope=%+v op=%s field=%q repo=%T", scope, op, totalField(op), e.repo))
	if field := totalField(op); field != "" {
		if err := e.repo.IncTotal(ctx, scope, field, at); err != nil {
			log.Warn(fmt.Sprintf("counter total %s for %s.%s failed, details: %v", field, scope.DBName, scope.Collection, err))
		}
	}
	for _, cr := range e.rules {
		if !cr.appliesTo(op) {
			continue
		}
		doc := meta
		if cr.spec.Scope == "payload" {
			doc = payload
		}
		matched, err := cr.match(doc)
		if err != nil {
			log.Warn(fmt.Sprintf("counter rule %q evaluation failed, details: %v", cr.spec.Name, err))
			continue
		}
		if !matched {
			continue
		}
		if err := e.repo.IncScenario(ctx, scope, cr.spec.Name, op, at); err != nil {
			log.Warn(fmt.Sprintf("counter rule %q increment failed, details: %v", cr.spec.Name, err))
		}
		for _, path := range cr.spec.CountUnique {
			v, ok := metadata.GetPath(doc, path)
			if !ok || v == nil {
				continue
			}
			if _, err := e.repo.AddUnique(ctx, scope, cr.spec.Name, path, fmt.Sprintf("%v", v), at); err != nil {
				log.Warn(fmt.Sprintf("counter rule %q unique tracking of %s failed, details: %v", cr.spec.Name, path, err))
			}
		}
	}
}

// Totals reads the per-collection operation tally.
func (e *Engine) Totals(ctx context.Context, scope Scope) (Totals, error) {
	return e.repo.Totals(ctx, scope)
}

// ScenarioCount reads one rule's counter.
func (e *Engine) ScenarioCount(ctx context.Context, scope Scope, rule string) (int64, error) {
	return e.repo.ScenarioCount(ctx, scope, rule)
}

// UniqueCounts reads one rule's distinct-value tallies, one per countUnique
// property.
func (e *Engine) UniqueCounts(ctx context.Context, scope Scope, rule string) (map[string]int64, error) {
	return e.repo.UniqueCounts(ctx, scope, rule)
}

type compiledRule struct {
	spec chronos.CounterRule
	prog celProgram
}

func (r compiledRule) appliesTo(op chronos.OperationType) bool {
	for _, want := range r.spec.On {
		if want == op {
			return true
		}
	}
	return false
}

func (r compiledRule) match(doc map[string]any) (bool, error) {
	if r.prog != nil {
		return r.prog.eval(doc)
	}
	return Matches(doc, r.spec.When), nil
}
