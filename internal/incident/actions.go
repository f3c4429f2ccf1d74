package incident

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lukhas/internal/logging"
)

// ActionFunc performs one step. The returned map becomes the step output.
type ActionFunc func(ctx context.Context, inc *Incident, step Step) (map[string]string, error)

// Effect is a side effect a built-in action claims to have performed. Built-in
// actions are simulated: they log and record an Effect but touch nothing.
type Effect struct {
	IncidentID string    `json:"incident_id"`
	StepID     string    `json:"step_id"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	At         time.Time `json:"at"`
}

// Actions is a registry of named step actions.
type Actions struct {
	mu      sync.RWMutex
	funcs   map[string]ActionFunc
	effects []Effect
}

// NewActions returns a registry holding the built-in simulated actions.
func NewActions() *Actions {
	a := &Actions{funcs: make(map[string]ActionFunc)}
	a.Register("isolate_system", a.simulated("isolate_system", "host", "source"))
	a.Register("block_ip", a.simulated("block_ip", "ip", "ip"))
	a.Register("revoke_credentials", a.simulated("revoke_credentials", "subject", "subject"))
	a.Register("collect_forensics", a.simulated("collect_forensics", "host", "source"))
	a.Register("notify", a.simulated("notify", "channel", ""))
	a.Register("rotate_keys", a.simulated("rotate_keys", "key", ""))
	a.Register("snapshot_state", a.simulated("snapshot_state", "host", "source"))
	a.Register("escalate", a.simulated("escalate", "team", ""))
	return a
}

// Register adds or replaces an action.
func (a *Actions) Register(name string, fn ActionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funcs[name] = fn
}

// Has reports whether name is registered.
func (a *Actions) Has(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.funcs[name]
	return ok
}

// Get returns the action named name.
func (a *Actions) Get(name string) (ActionFunc, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn, ok := a.funcs[name]
	return fn, ok
}

// Names returns the registered action names, sorted.
func (a *Actions) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.funcs))
	for n := range a.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Effects returns a copy of every recorded effect.
func (a *Actions) Effects() []Effect {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Effect(nil), a.effects...)
}

func (a *Actions) recordEffect(e Effect) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.effects = append(a.effects, e)
}

// simulated builds a built-in action. The target comes from the step param
// named param, then from the incident indicator named indicator ("source"
// means the incident source). Actions with a target key fail without one.
func (a *Actions) simulated(name, param, indicator string) ActionFunc {
	return func(ctx context.Context, inc *Incident, step Step) (map[string]string, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		target := step.Params[param]
		if target == "" && indicator != "" {
			if indicator == "source" {
				target = inc.Source
			} else {
				target = inc.Indicators[indicator]
			}
		}
		if target == "" && indicator != "" {
			return nil, fmt.Errorf("%s: no %s given in params or indicators", name, param)
		}
		if target == "" {
			target = "default"
		}

		logging.Get(logging.CategoryIncident).Errorw("response action",
			"action", name,
			"target", target,
			"incident", inc.ID,
			"category", string(inc.Category),
			"severity", inc.Severity.String(),
			"step", step.ID,
		)

		a.recordEffect(Effect{
			IncidentID: inc.ID,
			StepID:     step.ID,
			Action:     name,
			Target:     target,
			At:         time.Now().UTC(),
		})
		return map[string]string{param: target, "simulated": "true"}, nil
	}
}
