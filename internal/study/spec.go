package study

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix marks environment entries owned by the daemon. Injected path
// dependencies carry this prefix and are replaced wholesale on preparation.
const EnvPrefix = "ADLIB_"

// Names of the injected path dependencies a decision study receives.
const (
	EnvInbox             = EnvPrefix + "INBOX"
	EnvMenu              = EnvPrefix + "MENU"
	EnvStudies           = EnvPrefix + "STUDIES"
	EnvDecisionMakerRoot = EnvPrefix + "DECISION_MAKER_ROOT"
	EnvHistory           = EnvPrefix + "HISTORY"
)

// Spec is one executable study request. The step graph is carried opaquely:
// adlib never interprets it, only the external conductor does.
type Spec struct {
	ID         string
	Kind       string
	Parameters map[string]string

	doc *yaml.Node
}

type specDescription struct {
	Name       string            `yaml:"name"`
	Kind       string            `yaml:"kind"`
	Parameters map[string]string `yaml:"parameters"`
}

// Parse decodes a study specification document. The full document is retained
// so steps and environment blocks round-trip untouched.
func Parse(data []byte) (*Spec, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse study spec: %w", err)
	}
	root := documentRoot(&doc)
	if root == nil {
		return nil, errors.New("parse study spec: empty document")
	}

	descNode := mappingValue(root, "description")
	if descNode == nil {
		return nil, errors.New("parse study spec: missing description block")
	}
	var desc specDescription
	if err := descNode.Decode(&desc); err != nil {
		return nil, fmt.Errorf("parse study spec description: %w", err)
	}
	if strings.TrimSpace(desc.Name) == "" {
		return nil, errors.New("parse study spec: description.name is required")
	}

	return &Spec{
		ID:         desc.Name,
		Kind:       desc.Kind,
		Parameters: desc.Parameters,
		doc:        &doc,
	}, nil
}

// ReadFile loads a study spec from disk.
func ReadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read study spec %s: %w", path, err)
	}
	return Parse(data)
}

// New builds a spec from scratch, without a step graph. Decision steps use
// this to deposit fully-bound requests into an inbox.
func New(id, kind string, parameters map[string]string) *Spec {
	return &Spec{ID: id, Kind: kind, Parameters: parameters}
}

// Encode serializes the spec back to YAML. Specs parsed from a document keep
// every block they arrived with; constructed specs emit just the description.
func (s *Spec) Encode() ([]byte, error) {
	if s.doc != nil {
		if err := s.syncDescription(); err != nil {
			return nil, err
		}
		return yaml.Marshal(s.doc)
	}

	out := map[string]any{
		"description": map[string]any{
			"name":       s.ID,
			"kind":       s.Kind,
			"parameters": s.Parameters,
		},
	}
	return yaml.Marshal(out)
}

// WriteFile serializes the spec into path.
func (s *Spec) WriteFile(path string) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write study spec %s: %w", path, err)
	}
	return nil
}

// FileName is the canonical inbox/outbox file name for the spec.
func (s *Spec) FileName() string {
	return s.ID + ".yaml"
}

// Clone returns a deep copy with a replacement id, used when re-running a
// template under a fresh request id.
func (s *Spec) Clone(id string) (*Spec, error) {
	data, err := s.Encode()
	if err != nil {
		return nil, err
	}
	if s.doc == nil {
		params := make(map[string]string, len(s.Parameters))
		for k, v := range s.Parameters {
			params[k] = v
		}
		return New(id, s.Kind, params), nil
	}
	clone, err := Parse(data)
	if err != nil {
		return nil, err
	}
	clone.ID = id
	return clone, nil
}

// SetParameters rebinds the spec's parameters. Document-backed specs have
// the description block rewritten so the new binding survives Encode.
func (s *Spec) SetParameters(parameters map[string]string) {
	s.Parameters = parameters
	if s.doc == nil {
		return
	}
	root := documentRoot(s.doc)
	if root == nil {
		return
	}
	desc := ensureMapping(root, "description")
	params := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	names := make([]string, 0, len(parameters))
	for name := range parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		params.Content = append(params.Content, scalarNode(name), scalarNode(parameters[name]))
	}
	setMappingValue(desc, "parameters", params)
}

// InjectPathDependencies replaces ADLIB_-prefixed entries in the document's
// env.dependencies.paths list with the provided name→path mapping.
func (s *Spec) InjectPathDependencies(paths map[string]string) error {
	if s.doc == nil {
		return errors.New("inject path dependencies: spec has no document")
	}
	root := documentRoot(s.doc)
	if root == nil {
		return errors.New("inject path dependencies: empty document")
	}

	env := ensureMapping(root, "env")
	deps := ensureMapping(env, "dependencies")
	list := ensureSequence(deps, "paths")

	// Drop previously injected entries; external dependencies stay.
	kept := list.Content[:0]
	for _, entry := range list.Content {
		name := mappingValue(entry, "name")
		if name != nil && strings.HasPrefix(strings.ToUpper(name.Value), EnvPrefix) {
			continue
		}
		kept = append(kept, entry)
	}
	list.Content = kept

	names := make([]string, 0, len(paths))
	for name := range paths {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		entry.Content = append(entry.Content,
			scalarNode("name"), scalarNode(name),
			scalarNode("path"), scalarNode(paths[name]),
		)
		list.Content = append(list.Content, entry)
	}
	return nil
}

// PathDependency returns the injected path registered under name, if any.
func (s *Spec) PathDependency(name string) (string, bool) {
	if s.doc == nil {
		return "", false
	}
	root := documentRoot(s.doc)
	if root == nil {
		return "", false
	}
	env := mappingValue(root, "env")
	deps := mappingValue(env, "dependencies")
	list := mappingValue(deps, "paths")
	if list == nil || list.Kind != yaml.SequenceNode {
		return "", false
	}
	for _, entry := range list.Content {
		nameNode := mappingValue(entry, "name")
		pathNode := mappingValue(entry, "path")
		if nameNode != nil && pathNode != nil && strings.EqualFold(nameNode.Value, name) {
			return pathNode.Value, true
		}
	}
	return "", false
}

func (s *Spec) syncDescription() error {
	root := documentRoot(s.doc)
	if root == nil {
		return errors.New("sync description: empty document")
	}
	desc := ensureMapping(root, "description")
	setMappingValue(desc, "name", scalarNode(s.ID))
	if s.Kind != "" {
		setMappingValue(desc, "kind", scalarNode(s.Kind))
	}
	return nil
}

// ValidateBase checks the minimum a spec needs before it can be queued.
func (s *Spec) ValidateBase() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("study spec: id is required")
	}
	if strings.ContainsAny(s.ID, string(filepath.Separator)+" ") {
		return fmt.Errorf("study spec: id %q must not contain separators or spaces", s.ID)
	}
	return nil
}
