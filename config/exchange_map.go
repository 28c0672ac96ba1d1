package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExchangeMap maps exchange names to string lists and remembers the order in
// which the exchanges were declared.
type ExchangeMap struct {
	names  []string
	values map[string][]string
}

// Set adds or replaces the values of name.
func (m *ExchangeMap) Set(name string, values ...string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if m.values == nil {
		m.values = map[string][]string{}
	}
	if _, ok := m.values[name]; !ok {
		m.names = append(m.names, name)
	}
	m.values[name] = values
}

// Get returns the values of name.
func (m ExchangeMap) Get(name string) []string {
	return m.values[name]
}

// Names returns the exchange names in declaration order.
func (m ExchangeMap) Names() []string {
	return append([]string(nil), m.names...)
}

func (m ExchangeMap) Len() int {
	return len(m.names)
}

func (m *ExchangeMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of exchange to list", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var values []string
		if err := node.Content[i+1].Decode(&values); err != nil {
			return fmt.Errorf("line %d: %s: %w", node.Content[i+1].Line, key, err)
		}
		m.Set(key, values...)
	}
	return nil
}

func (m ExchangeMap) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, name := range m.names {
		var value yaml.Node
		if err := value.Encode(m.values[name]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, &value)
	}
	return node, nil
}
