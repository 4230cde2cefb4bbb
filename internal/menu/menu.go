// Package menu models the set of studies a decision maker is allowed to
// request. A menu lists study templates whose parameters carry value domains;
// expanding the menu enumerates every permitted combination, and the history
// filters out combinations that were already requested.
package menu

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"adlib/internal/history"
)

// Template is one menu entry: a study kind plus the permitted values for
// each of its parameters.
type Template struct {
	Name       string              `yaml:"name,omitempty"`
	Kind       string              `yaml:"kind"`
	Parameters map[string][]string `yaml:"parameters,omitempty"`
}

// Candidate is a fully bound study proposal produced by expansion.
type Candidate struct {
	Name       string
	Kind       string
	Parameters map[string]string
}

// Menu holds the permitted study templates for one workflow.
type Menu struct {
	Name    string     `yaml:"name,omitempty"`
	Studies []Template `yaml:"studies"`
}

const lockRetryDelay = 50 * time.Millisecond

// Load reads a menu from a YAML file. The read takes a shared lock so a
// concurrent writer replacing the menu cannot be observed mid-write.
func Load(ctx context.Context, path string) (*Menu, error) {
	lock := flock.New(path)
	locked, err := lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock menu %s: %w", path, err)
	}
	if locked {
		defer lock.Unlock() //nolint:errcheck
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read menu: %w", err)
	}
	var m Menu
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse menu %s: %w", path, err)
	}
	return &m, nil
}

// Expand enumerates the cartesian product of each template's parameter
// domains. The result is deterministic: templates in menu order, parameter
// names sorted, values in their listed order.
func (m *Menu) Expand() []Candidate {
	var out []Candidate
	for _, tpl := range m.Studies {
		if len(tpl.Parameters) == 0 {
			out = append(out, Candidate{Name: tpl.Name, Kind: tpl.Kind, Parameters: map[string]string{}})
			continue
		}
		names := make([]string, 0, len(tpl.Parameters))
		for name := range tpl.Parameters {
			names = append(names, name)
		}
		sort.Strings(names)

		bound := make(map[string]string, len(names))
		out = expandParams(out, tpl, names, bound)
	}
	return out
}

func expandParams(out []Candidate, tpl Template, names []string, bound map[string]string) []Candidate {
	if len(names) == 0 {
		params := make(map[string]string, len(bound))
		for k, v := range bound {
			params[k] = v
		}
		return append(out, Candidate{Name: tpl.Name, Kind: tpl.Kind, Parameters: params})
	}
	name, rest := names[0], names[1:]
	for _, value := range tpl.Parameters[name] {
		bound[name] = value
		out = expandParams(out, tpl, rest, bound)
	}
	delete(bound, name)
	return out
}

// Remove filters out candidates whose kind and parameters match a record
// already present in the history, regardless of that record's status.
func Remove(candidates []Candidate, snapshot history.Snapshot) []Candidate {
	if len(snapshot) == 0 {
		return candidates
	}
	kept := candidates[:0]
	for _, c := range candidates {
		if !seen(c, snapshot) {
			kept = append(kept, c)
		}
	}
	return kept
}

func seen(c Candidate, snapshot history.Snapshot) bool {
	for _, rec := range snapshot {
		if rec.Kind != c.Kind {
			continue
		}
		if equalParams(rec.Parameters, c.Parameters) {
			return true
		}
	}
	return false
}

func equalParams(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
