package study

import "gopkg.in/yaml.v3"

// Small helpers for walking and editing yaml.Node mappings. Documents keep
// their original node structure so untouched blocks round-trip byte-stable.

func documentRoot(doc *yaml.Node) *yaml.Node {
	if doc == nil {
		return nil
	}
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			return nil
		}
		return doc.Content[0]
	}
	return doc
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func setMappingValue(node *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			node.Content[i+1] = value
			return
		}
	}
	node.Content = append(node.Content, scalarNode(key), value)
}

func ensureMapping(node *yaml.Node, key string) *yaml.Node {
	if existing := mappingValue(node, key); existing != nil && existing.Kind == yaml.MappingNode {
		return existing
	}
	child := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	setMappingValue(node, key, child)
	return child
}

func ensureSequence(node *yaml.Node, key string) *yaml.Node {
	if existing := mappingValue(node, key); existing != nil && existing.Kind == yaml.SequenceNode {
		return existing
	}
	child := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	setMappingValue(node, key, child)
	return child
}

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}
