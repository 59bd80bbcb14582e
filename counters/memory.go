package counters

import (
	"context"
	"sync"
	"time"

	"github.com/chronosdb/chronos"
)

// MemRepo is an in-memory Repo for tests.
type MemRepo struct {
	mu          sync.Mutex
	totals      map[string]*Totals
	scenarios   map[string]int64
	scenarioOps map[string]int64
	// uniques holds observed value sets keyed rule doc id → property path.
	uniques map[string]map[string]map[string]bool
	// FailAll, when non-nil, fails every call (swallow-behavior tests).
	FailAll error
}

// NewMemRepo returns an empty in-memory counter store.
func NewMemRepo() *MemRepo {
	return &MemRepo{
		totals:      map[string]*Totals{},
		scenarios:   map[string]int64{},
		scenarioOps: map[string]int64{},
		uniques:     map[string]map[string]map[string]bool{},
	}
}

func (r *MemRepo) fail() error {
	if r.FailAll != nil {
		return chronos.NewError(chronos.ErrStorage, r.FailAll)
	}
	return nil
}

func (r *MemRepo) IncTotal(ctx context.Context, scope Scope, field string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	key := docID(scope)
	t, ok := r.totals[key]
	if !ok {
		t = &Totals{FirstAt: at}
		r.totals[key] = t
	}
	switch field {
	case "created":
		t.Created++
	case "updated":
		t.Updated++
	case "deleted":
		t.Deleted++
	}
	t.LastAt = at
	return nil
}

func (r *MemRepo) IncScenario(ctx context.Context, scope Scope, rule string, op chronos.OperationType, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return err
	}
	r.scenarios[docID(scope, rule)]++
	r.scenarioOps[docID(scope, rule, string(op))]++
	return nil
}

func (r *MemRepo) AddUnique(ctx context.Context, scope Scope, rule string, prop string, value string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return false, err
	}
	key := docID(scope, rule)
	props, ok := r.uniques[key]
	if !ok {
		props = map[string]map[string]bool{}
		r.uniques[key] = props
	}
	set, ok := props[prop]
	if !ok {
		set = map[string]bool{}
		props[prop] = set
	}
	if set[value] {
		return false, nil
	}
	set[value] = true
	return true, nil
}

func (r *MemRepo) Totals(ctx context.Context, scope Scope) (Totals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return Totals{}, err
	}
	if t, ok := r.totals[docID(scope)]; ok {
		return *t, nil
	}
	return Totals{}, nil
}

func (r *MemRepo) ScenarioCount(ctx context.Context, scope Scope, rule string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return 0, err
	}
	return r.scenarios[docID(scope, rule)], nil
}

func (r *MemRepo) UniqueCounts(ctx context.Context, scope Scope, rule string) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail(); err != nil {
		return nil, err
	}
	counts := map[string]int64{}
	for prop, set := range r.uniques[docID(scope, rule)] {
		counts[prop] = int64(len(set))
	}
	return counts, nil
}
