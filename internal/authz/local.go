package authz

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"lukhas/internal/logging"
	"lukhas/internal/mangle"
	"lukhas/internal/policy"
)

//go:embed matrix.mg
var matrixRules string

const policyScope = "policy"

// denyPrecedence orders deny reasons when several rules fire.
var denyPrecedence = map[string]int{
	ReasonExplicitDeny:     0,
	ReasonInsufficientTier: 1,
	ReasonMissingScope:     2,
	ReasonNoMatchingRule:   3,
}

// LocalDecider evaluates the matrix policy document with Mangle.
type LocalDecider struct {
	engine *mangle.Engine

	mu      sync.RWMutex
	version string
	scopes  []string // every scope the policy mentions
}

// NewLocalDecider compiles doc into the policy kernel.
func NewLocalDecider(doc *policy.Document) (*LocalDecider, error) {
	engine := mangle.NewEngine(mangle.DefaultConfig())
	if err := engine.LoadSchemaString(matrixRules); err != nil {
		return nil, fmt.Errorf("failed to load matrix rules: %w", err)
	}
	d := &LocalDecider{engine: engine}
	if err := d.Load(doc); err != nil {
		return nil, err
	}
	return d, nil
}

// Load swaps in a new policy document. In-flight decisions finish against the
// previous one.
func (d *LocalDecider) Load(doc *policy.Document) error {
	facts, scopes := compile(doc)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.engine.ReplaceScope(policyScope, facts); err != nil {
		return fmt.Errorf("failed to load policy facts: %w", err)
	}
	d.version = doc.Version
	d.scopes = scopes
	logging.Authz("local policy loaded: version=%s rules=%d", doc.Version, doc.RuleCount())
	return nil
}

// Version returns the active policy version.
func (d *LocalDecider) Version() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// compile turns the document into base facts and returns the scope vocabulary.
func compile(doc *policy.Document) ([]mangle.Fact, []string) {
	var facts []mangle.Fact
	seen := make(map[string]bool)

	facts = append(facts, mangle.Fact{Predicate: "default_effect", Args: []interface{}{string(doc.Default)}})
	for _, module := range doc.ModuleNames() {
		for action, rule := range doc.Modules[module] {
			facts = append(facts,
				mangle.Fact{Predicate: "rule", Args: []interface{}{module, action, int64(rule.MinTier.Rank())}},
				mangle.Fact{Predicate: "rule_effect", Args: []interface{}{module, action, string(rule.Effect)}},
			)
			for _, s := range rule.Scopes {
				facts = append(facts, mangle.Fact{Predicate: "rule_scope", Args: []interface{}{module, action, s}})
				seen[s] = true
			}
		}
	}

	scopes := make([]string, 0, len(seen))
	for s := range seen {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return facts, scopes
}

// Decide implements Decider.
func (d *LocalDecider) Decide(ctx context.Context, req Request) (Decision, error) {
	d.mu.RLock()
	version := d.version
	vocabulary := d.scopes
	d.mu.RUnlock()

	id := uuid.NewString()
	facts := []mangle.Fact{{
		Predicate: "request",
		Args:      []interface{}{id, req.Subject, int64(req.Tier.Rank()), req.Module, req.Action},
	}}
	for _, s := range vocabulary {
		if req.grants(s) {
			facts = append(facts, mangle.Fact{Predicate: "has_scope", Args: []interface{}{id, s}})
		}
	}

	res, err := d.engine.Evaluate(ctx, facts)
	if err != nil {
		return Decision{Source: SourceLocal, PolicyVersion: version, Reason: ReasonEvaluationError}, err
	}

	decision := Decision{Source: SourceLocal, PolicyVersion: version}

	allowed, err := res.Facts("allow")
	if err != nil {
		return decision, err
	}
	if len(allowed) > 0 {
		decision.Allow = true
		decision.Reason = ReasonAllowed
		covered, err := res.Facts("covered")
		if err != nil {
			return decision, err
		}
		if len(covered) == 0 {
			decision.Reason = ReasonDefaultAllow
		}
		return decision, nil
	}

	denies, err := res.Facts("deny")
	if err != nil {
		return decision, err
	}
	decision.Reason = ReasonNoMatchingRule
	best := len(denyPrecedence)
	for _, f := range denies {
		reason, _ := f.Args[1].(string)
		if p, ok := denyPrecedence[reason]; ok && p < best {
			best = p
			decision.Reason = reason
		}
	}
	logging.AuthzDebug("local deny %s %s.%s: %s (%d reasons)", req.Subject, req.Module, req.Action, decision.Reason, len(denies))
	return decision, nil
}
