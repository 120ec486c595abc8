// Package intake loads task manifests: YAML files that declare task lists,
// their tasks, dependency edges between them and predicted file impacts.
package intake

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aristath/foreman/internal/scheduler"
	"gopkg.in/yaml.v3"
)

// DefaultImpactSource labels file impacts that come from a manifest.
const DefaultImpactSource = "manifest"

// Manifest is the top-level document of a task manifest.
type Manifest struct {
	Lists []ListSpec `yaml:"lists"`
}

// ListSpec declares one task list.
type ListSpec struct {
	Name   string     `yaml:"name"`
	Prefix string     `yaml:"prefix,omitempty"`
	Tasks  []TaskSpec `yaml:"tasks"`
}

// TaskSpec declares one task. Key is local to the manifest and is how other
// tasks refer to it; keys are unique across every list in the file.
type TaskSpec struct {
	Key       string       `yaml:"key"`
	Title     string       `yaml:"title"`
	Category  string       `yaml:"category"`
	Priority  string       `yaml:"priority,omitempty"`
	Status    string       `yaml:"status,omitempty"`
	DependsOn []string     `yaml:"depends_on,omitempty"`
	Blocks    []string     `yaml:"blocks,omitempty"`
	RelatesTo []string     `yaml:"relates_to,omitempty"`
	Impacts   []ImpactSpec `yaml:"impacts,omitempty"`
}

// ImpactSpec is a predicted file access.
type ImpactSpec struct {
	Path       string   `yaml:"path"`
	Op         string   `yaml:"op"`
	Confidence *float64 `yaml:"confidence,omitempty"`
	Source     string   `yaml:"source,omitempty"`
}

// Parse decodes a manifest and validates it. Unknown fields are errors.
func Parse(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("intake: manifest is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("intake: decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile reads and parses a manifest from disk.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("intake: read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// TaskCount returns the number of tasks across all lists.
func (m *Manifest) TaskCount() int {
	n := 0
	for _, l := range m.Lists {
		n += len(l.Tasks)
	}
	return n
}

// Validate checks enum values, key uniqueness, references and that the
// scheduling edges declared in the manifest are acyclic. All problems are
// reported together.
func (m *Manifest) Validate() error {
	var errs []error
	if len(m.Lists) == 0 {
		return fmt.Errorf("intake: manifest declares no lists")
	}

	keys := make(map[string]bool)
	lists := make(map[string]bool)
	for _, l := range m.Lists {
		if strings.TrimSpace(l.Name) == "" {
			errs = append(errs, fmt.Errorf("list without a name"))
			continue
		}
		if lists[l.Name] {
			errs = append(errs, fmt.Errorf("list %s declared twice", l.Name))
		}
		lists[l.Name] = true
		for i, t := range l.Tasks {
			if t.Key == "" {
				errs = append(errs, fmt.Errorf("list %s: task %d has no key", l.Name, i+1))
				continue
			}
			if keys[t.Key] {
				errs = append(errs, fmt.Errorf("task key %s is not unique", t.Key))
			}
			keys[t.Key] = true
		}
	}

	for _, l := range m.Lists {
		for _, t := range l.Tasks {
			errs = append(errs, t.validate(keys)...)
		}
	}

	if len(errs) == 0 {
		if err := scheduler.CheckAcyclic(m.Edges()); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("intake: invalid manifest: %w", errors.Join(errs...))
	}
	return nil
}

func (t TaskSpec) validate(keys map[string]bool) []error {
	var errs []error
	if strings.TrimSpace(t.Title) == "" {
		errs = append(errs, fmt.Errorf("task %s: title is required", t.Key))
	}
	if _, err := scheduler.ParseCategory(t.Category); err != nil {
		errs = append(errs, fmt.Errorf("task %s: %w", t.Key, err))
	}
	if _, err := t.priority(); err != nil {
		errs = append(errs, fmt.Errorf("task %s: %w", t.Key, err))
	}
	if _, err := t.status(); err != nil {
		errs = append(errs, fmt.Errorf("task %s: %w", t.Key, err))
	}
	refs := [][]string{t.DependsOn, t.Blocks, t.RelatesTo}
	for _, group := range refs {
		for _, ref := range group {
			if !keys[ref] {
				errs = append(errs, fmt.Errorf("task %s: unknown task key %s", t.Key, ref))
			}
		}
	}
	for _, imp := range t.Impacts {
		if strings.TrimSpace(imp.Path) == "" {
			errs = append(errs, fmt.Errorf("task %s: impact without a path", t.Key))
		}
		if _, err := scheduler.ParseFileOperation(imp.Op); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", t.Key, err))
		}
		if c := imp.Confidence; c != nil && (*c < 0 || *c > 1) {
			errs = append(errs, fmt.Errorf("task %s: impact confidence %v out of range [0,1]", t.Key, *c))
		}
	}
	return errs
}

func (t TaskSpec) priority() (scheduler.Priority, error) {
	if t.Priority == "" {
		return scheduler.P2, nil
	}
	return scheduler.ParsePriority(t.Priority)
}

func (t TaskSpec) status() (scheduler.TaskStatus, error) {
	if t.Status == "" {
		return scheduler.TaskPending, nil
	}
	st, err := scheduler.ParseTaskStatus(t.Status)
	if err != nil {
		return "", err
	}
	switch st {
	case scheduler.TaskPending, scheduler.TaskReady, scheduler.TaskBlocked, scheduler.TaskSkipped:
		return st, nil
	}
	return "", fmt.Errorf("tasks cannot be imported as %s", st)
}

// Edges returns every edge declared in the manifest, keyed by task key.
func (m *Manifest) Edges() []scheduler.DependencyEdge {
	var edges []scheduler.DependencyEdge
	for _, l := range m.Lists {
		for _, t := range l.Tasks {
			for _, ref := range t.DependsOn {
				edges = append(edges, scheduler.DependencyEdge{Source: t.Key, Target: ref, Kind: scheduler.EdgeDependsOn})
			}
			for _, ref := range t.Blocks {
				edges = append(edges, scheduler.DependencyEdge{Source: t.Key, Target: ref, Kind: scheduler.EdgeBlocks})
			}
			for _, ref := range t.RelatesTo {
				edges = append(edges, scheduler.DependencyEdge{Source: t.Key, Target: ref, Kind: scheduler.EdgeRelatesTo})
			}
		}
	}
	return edges
}
