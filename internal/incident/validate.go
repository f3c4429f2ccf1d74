package incident

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPlaybook wraps every playbook validation failure.
var ErrInvalidPlaybook = errors.New("invalid playbook")

// CycleError reports a dependency cycle. Path starts and ends with the same step.
type CycleError struct {
	Playbook string
	Path     []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("playbook %s: dependency cycle %s", e.Playbook, strings.Join(e.Path, " -> "))
}

// Unwrap makes errors.Is(err, ErrInvalidPlaybook) hold for cycles.
func (e *CycleError) Unwrap() error { return ErrInvalidPlaybook }

// Validate checks the playbook structure against the known actions. A nil
// actions registry skips the action check.
func Validate(pb *Playbook, actions *Actions) error {
	if strings.TrimSpace(pb.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidPlaybook)
	}
	if len(pb.Categories) == 0 {
		return fmt.Errorf("%w: %s: no categories", ErrInvalidPlaybook, pb.ID)
	}
	for _, c := range pb.Categories {
		if !c.Valid() {
			return fmt.Errorf("%w: %s: unknown category %q", ErrInvalidPlaybook, pb.ID, c)
		}
	}
	if pb.MinSeverity != 0 && !pb.MinSeverity.Valid() {
		return fmt.Errorf("%w: %s: invalid min_severity", ErrInvalidPlaybook, pb.ID)
	}
	if len(pb.Steps) == 0 {
		return fmt.Errorf("%w: %s: no steps", ErrInvalidPlaybook, pb.ID)
	}

	ids := make(map[string]bool, len(pb.Steps))
	for _, s := range pb.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: %s: step without id", ErrInvalidPlaybook, pb.ID)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: %s: duplicate step id %q", ErrInvalidPlaybook, pb.ID, s.ID)
		}
		ids[s.ID] = true
		if actions != nil && !actions.Has(s.Action) {
			return fmt.Errorf("%w: %s: step %s: unknown action %q", ErrInvalidPlaybook, pb.ID, s.ID, s.Action)
		}
	}
	for _, s := range pb.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: %s: step %s depends on unknown step %q", ErrInvalidPlaybook, pb.ID, s.ID, dep)
			}
		}
	}

	if path := findCycle(pb.Steps); path != nil {
		return &CycleError{Playbook: pb.ID, Path: path}
	}
	return nil
}

// findCycle returns the first dependency cycle found, walking steps in
// declaration order, or nil.
func findCycle(steps []Step) []string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				for i, s := range stack {
					if s == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if c := visit(s.ID); c != nil {
				return c
			}
		}
	}
	return nil
}

// TopoOrder returns step ids in an order where every step follows its
// dependencies. Ties keep declaration order. The playbook must be valid.
func TopoOrder(pb *Playbook) []string {
	indegree := make(map[string]int, len(pb.Steps))
	dependents := make(map[string][]string, len(pb.Steps))
	for _, s := range pb.Steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	placed := make(map[string]bool, len(pb.Steps))
	order := make([]string, 0, len(pb.Steps))
	for len(order) < len(pb.Steps) {
		progressed := false
		for _, s := range pb.Steps {
			if placed[s.ID] || indegree[s.ID] > 0 {
				continue
			}
			placed[s.ID] = true
			order = append(order, s.ID)
			for _, d := range dependents[s.ID] {
				indegree[d]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return order
}
