package incident

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"lukhas/internal/logging"
)

// ParsePlaybooks decodes one or more YAML documents, each a playbook.
func ParsePlaybooks(data []byte) ([]*Playbook, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []*Playbook
	for {
		var pb Playbook
		err := dec.Decode(&pb)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to parse playbook: %w", err)
		}
		out = append(out, &pb)
	}
	return out, nil
}

// LoadPlaybookFile reads and validates every playbook in a YAML file. A nil
// actions registry skips the action check.
func LoadPlaybookFile(path string, actions *Actions) ([]*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook: %w", err)
	}
	pbs, err := ParsePlaybooks(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, pb := range pbs {
		if err := Validate(pb, actions); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return pbs, nil
}

// LoadPlaybookDir loads every *.yaml and *.yml file in dir, in name order.
// Duplicate ids across files are rejected.
func LoadPlaybookDir(dir string, actions *Actions) ([]*Playbook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	seen := make(map[string]string)
	var out []*Playbook
	for _, name := range names {
		path := filepath.Join(dir, name)
		pbs, err := LoadPlaybookFile(path, actions)
		if err != nil {
			return nil, err
		}
		for _, pb := range pbs {
			if prev, ok := seen[pb.ID]; ok {
				return nil, fmt.Errorf("%w: playbook %s defined in %s and %s", ErrInvalidPlaybook, pb.ID, prev, name)
			}
			seen[pb.ID] = name
			out = append(out, pb)
		}
		logging.IncidentDebug("loaded %d playbooks from %s", len(pbs), path)
	}
	return out, nil
}

// LoadPlaybooks loads dir and registers every playbook with the engine.
func (e *Engine) LoadPlaybooks(dir string) (int, error) {
	pbs, err := LoadPlaybookDir(dir, e.actions)
	if err != nil {
		return 0, err
	}
	for _, pb := range pbs {
		if err := e.Register(pb); err != nil {
			return 0, err
		}
	}
	return len(pbs), nil
}
