// Package mangle runs Datalog programs on the Google Mangle engine.
//
// Base facts live in named scopes so one scope (the compiled policy, say)
// can be swapped without touching the others. Each Evaluate works on a
// private copy of the base facts, so request facts from concurrent callers
// never meet.
package mangle

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"lukhas/internal/logging"
)

// Config bounds the engine.
type Config struct {
	FactLimit   int           `yaml:"fact_limit"`
	EvalTimeout time.Duration `yaml:"eval_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{FactLimit: 100000, EvalTimeout: 2 * time.Second}
}

// Fact is a predicate applied to Go values. Strings starting with "/" are
// Mangle names, other strings are string constants.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
}

// Engine holds one analyzed program and its scoped base facts.
type Engine struct {
	cfg Config

	mu      sync.RWMutex
	units   []parse.SourceUnit
	program *analysis.ProgramInfo
	preds   map[string]ast.PredicateSym
	base    factstore.FactStoreWithRemove
	scopes  map[string][]ast.Atom
	total   int
}

// NewEngine returns an engine with no program loaded.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		preds:  map[string]ast.PredicateSym{},
		base:   factstore.NewSimpleInMemoryStore(),
		scopes: map[string][]ast.Atom{},
	}
}

// LoadSchemaString parses src and adds its declarations and rules to the
// program. On error the program is left as it was.
func (e *Engine) LoadSchemaString(src string) error {
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("failed to parse schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var merged parse.SourceUnit
	for _, u := range append(e.units, unit) {
		merged.Decls = append(merged.Decls, u.Decls...)
		merged.Clauses = append(merged.Clauses, u.Clauses...)
	}
	info, err := analysis.AnalyzeOneUnit(merged, nil)
	if err != nil {
		return fmt.Errorf("failed to analyze schema: %w", err)
	}

	e.units = append(e.units, unit)
	e.program = info
	e.preds = make(map[string]ast.PredicateSym, len(info.Decls))
	for sym := range info.Decls {
		e.preds[sym.Symbol] = sym
	}
	return nil
}

// ReplaceScope drops the facts previously stored under scope and stores
// facts in their place. Evaluate sees either the old or the new set.
func (e *Engine) ReplaceScope(scope string, facts []Fact) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.program == nil {
		return fmt.Errorf("no schema loaded")
	}
	atoms, err := e.atoms(facts)
	if err != nil {
		return err
	}

	old := len(e.scopes[scope])
	if e.cfg.FactLimit > 0 && e.total-old+len(atoms) > e.cfg.FactLimit {
		return fmt.Errorf("fact limit exceeded: %d", e.cfg.FactLimit)
	}

	for _, a := range e.scopes[scope] {
		if e.base.Remove(a) {
			e.total--
		}
	}
	kept := atoms[:0]
	for _, a := range atoms {
		if e.base.Add(a) {
			kept = append(kept, a)
			e.total++
		}
	}
	if len(kept) == 0 {
		delete(e.scopes, scope)
	} else {
		e.scopes[scope] = kept
	}

	logging.PolicyDebug("scope %s now holds %d facts (%d total)", scope, len(kept), e.total)
	return nil
}

// BaseFacts returns the stored facts for predicate.
func (e *Engine) BaseFacts(predicate string) ([]Fact, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return query(e.base, e.preds, predicate)
}

// Size reports the number of base facts and non-empty scopes.
func (e *Engine) Size() (facts, scopes int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.total, len(e.scopes)
}

// Result is the fixed point of one evaluation.
type Result struct {
	store    factstore.FactStore
	preds    map[string]ast.PredicateSym
	Duration time.Duration
}

// Facts returns every base or derived fact for predicate.
func (r *Result) Facts(predicate string) ([]Fact, error) {
	return query(r.store, r.preds, predicate)
}

// Evaluate runs the program over the base facts plus extra. The base
// facts are not modified. Without a deadline on ctx the configured
// EvalTimeout applies.
//
// Mangle evaluation cannot be interrupted. On timeout Evaluate returns
// at once, but the evaluation goroutine keeps running until the fixed
// point is reached and its result is discarded.
func (e *Engine) Evaluate(ctx context.Context, extra []Fact) (*Result, error) {
	e.mu.RLock()
	if e.program == nil {
		e.mu.RUnlock()
		return nil, fmt.Errorf("no schema loaded")
	}
	program, preds := e.program, e.preds
	requestAtoms, err := e.atoms(extra)
	if err != nil {
		e.mu.RUnlock()
		return nil, err
	}
	work := factstore.NewSimpleInMemoryStore()
	for _, atoms := range e.scopes {
		for _, a := range atoms {
			work.Add(a)
		}
	}
	e.mu.RUnlock()

	for _, a := range requestAtoms {
		work.Add(a)
	}

	if _, ok := ctx.Deadline(); !ok {
		timeout := e.cfg.EvalTimeout
		if timeout <= 0 {
			timeout = DefaultConfig().EvalTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := mengine.EvalProgramWithStats(program, work)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("evaluation failed: %w", err)
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("evaluation aborted after %v: %w", time.Since(start), ctx.Err())
	}
	return &Result{store: work, preds: preds, Duration: time.Since(start)}, nil
}

func (e *Engine) atoms(facts []Fact) ([]ast.Atom, error) {
	out := make([]ast.Atom, 0, len(facts))
	for _, f := range facts {
		sym, ok := e.preds[f.Predicate]
		if !ok {
			return nil, fmt.Errorf("undeclared predicate %s", f.Predicate)
		}
		if len(f.Args) != sym.Arity {
			return nil, fmt.Errorf("%s takes %d args, got %d", f.Predicate, sym.Arity, len(f.Args))
		}
		args := make([]ast.BaseTerm, len(f.Args))
		for i, v := range f.Args {
			t, err := toTerm(v)
			if err != nil {
				return nil, fmt.Errorf("%s arg %d: %w", f.Predicate, i, err)
			}
			args[i] = t
		}
		out = append(out, ast.Atom{Predicate: sym, Args: args})
	}
	return out, nil
}

func query(store factstore.FactStore, preds map[string]ast.PredicateSym, predicate string) ([]Fact, error) {
	sym, ok := preds[predicate]
	if !ok {
		return nil, fmt.Errorf("undeclared predicate %s", predicate)
	}
	var out []Fact
	err := store.GetFacts(ast.NewQuery(sym), func(a ast.Atom) error {
		args := make([]interface{}, len(a.Args))
		for i, t := range a.Args {
			args[i] = fromTerm(t)
		}
		out = append(out, Fact{Predicate: predicate, Args: args})
		return nil
	})
	return out, err
}

func toTerm(v interface{}) (ast.BaseTerm, error) {
	switch v := v.(type) {
	case ast.BaseTerm:
		return v, nil
	case string:
		if strings.HasPrefix(v, "/") {
			return ast.Name(v)
		}
		return ast.String(v), nil
	case int:
		return ast.Number(int64(v)), nil
	case int64:
		return ast.Number(v), nil
	case float64:
		return ast.Float64(v), nil
	case bool:
		if v {
			return ast.TrueConstant, nil
		}
		return ast.FalseConstant, nil
	}
	return nil, fmt.Errorf("unsupported value of type %T", v)
}

func fromTerm(t ast.BaseTerm) interface{} {
	c, ok := t.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", t)
	}
	switch c.Type {
	case ast.StringType, ast.NameType, ast.BytesType:
		return c.Symbol
	case ast.NumberType:
		return c.NumValue
	case ast.Float64Type:
		return math.Float64frombits(uint64(c.NumValue))
	}
	return c.String()
}
