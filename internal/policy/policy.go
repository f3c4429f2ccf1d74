// Package policy holds the matrix authorization document: which capability
// tier and scopes a subject needs to perform an action inside a module.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"lukhas/internal/capability"
)

// Effect is the outcome a rule grants when its requirements are met.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Wildcard matches every action of a module that has no exact rule.
const Wildcard = "*"

// Rule describes the requirements for one module/action pair.
type Rule struct {
	MinTier capability.Tier `yaml:"min_tier" json:"min_tier"`
	Scopes  []string        `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	Effect  Effect          `yaml:"effect,omitempty" json:"effect,omitempty"`
}

// Document is the parsed policy matrix.
type Document struct {
	Version string                     `yaml:"version" json:"version"`
	Default Effect                     `yaml:"default,omitempty" json:"default,omitempty"`
	Modules map[string]map[string]Rule `yaml:"modules" json:"modules"`

	// Digest is a short content hash, used as the version when none is given.
	Digest string `yaml:"-" json:"-"`
}

// Format selects the document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid policy")

// FormatFor picks the format by file extension; anything but .json is YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Load reads, parses and validates the policy file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	doc, err := Parse(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Parse decodes and validates a policy document.
func Parse(data []byte, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse policy YAML: %w", err)
		}
	}

	sum := sha256.Sum256(data)
	doc.Digest = hex.EncodeToString(sum[:6])
	doc.normalize()

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// normalize fills defaults in place. A rule without an effect allows and a
// rule without a tier requires T1.
func (d *Document) normalize() {
	if d.Default == "" {
		d.Default = EffectDeny
	}
	if d.Version == "" {
		d.Version = d.Digest
	}
	for module, actions := range d.Modules {
		for action, rule := range actions {
			if rule.Effect == "" {
				rule.Effect = EffectAllow
			}
			if rule.MinTier == "" {
				rule.MinTier = capability.T1
			} else if t, err := capability.ParseTier(string(rule.MinTier)); err == nil {
				rule.MinTier = t
			}
			sort.Strings(rule.Scopes)
			actions[action] = rule
		}
		d.Modules[module] = actions
	}
}

// Validate checks the document for unknown tiers and effects and empty names.
func (d *Document) Validate() error {
	var problems []string

	switch d.Default {
	case EffectAllow, EffectDeny:
	default:
		problems = append(problems, fmt.Sprintf("default: unknown effect %q", d.Default))
	}
	if len(d.Modules) == 0 {
		problems = append(problems, "no modules")
	}

	for _, module := range d.ModuleNames() {
		if strings.TrimSpace(module) == "" {
			problems = append(problems, "empty module name")
			continue
		}
		actions := d.Modules[module]
		if len(actions) == 0 {
			problems = append(problems, fmt.Sprintf("%s: no actions", module))
		}
		for _, action := range sortedKeys(actions) {
			rule := actions[action]
			where := module + "." + action
			if strings.TrimSpace(action) == "" {
				problems = append(problems, fmt.Sprintf("%s: empty action name", module))
				continue
			}
			if !rule.MinTier.Valid() {
				problems = append(problems, fmt.Sprintf("%s: unknown tier %q", where, rule.MinTier))
			}
			switch rule.Effect {
			case EffectAllow, EffectDeny:
			default:
				problems = append(problems, fmt.Sprintf("%s: unknown effect %q", where, rule.Effect))
			}
			for _, s := range rule.Scopes {
				if strings.TrimSpace(s) == "" {
					problems = append(problems, fmt.Sprintf("%s: empty scope", where))
				}
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Lookup returns the rule for module/action, falling back to the module
// wildcard. The returned action is the key that matched.
func (d *Document) Lookup(module, action string) (Rule, string, bool) {
	actions, ok := d.Modules[module]
	if !ok {
		return Rule{}, "", false
	}
	if r, ok := actions[action]; ok {
		return r, action, true
	}
	if r, ok := actions[Wildcard]; ok {
		return r, Wildcard, true
	}
	return Rule{}, "", false
}

// ModuleNames returns module names in sorted order.
func (d *Document) ModuleNames() []string {
	return sortedKeys(d.Modules)
}

// RuleCount returns the total number of module/action rules.
func (d *Document) RuleCount() int {
	n := 0
	for _, actions := range d.Modules {
		n += len(actions)
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
