package models

import (
	"errors"
	"fmt"
	"sort"
)

// FieldSchema declares one config field of a node type.
type FieldSchema struct {
	Name     string    `json:"name"`
	Kind     ValueKind `json:"kind"`
	Required bool      `json:"required"`
	// Number bounds, inclusive.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
	// Regular expression a string value must match.
	Pattern string `json:"pattern,omitempty"`
}

type NodeTypeSchema struct {
	Fields []FieldSchema `json:"fields"`
}

// NodeType is the template a node is instantiated from.
type NodeType struct {
	Kind   NodeKind       `json:"kind"`
	Label  string         `json:"label"`
	Ports  []Port         `json:"ports"`
	Schema NodeTypeSchema `json:"schema"`
}

// Instantiate creates a node of this type. Ports are copied so later edits
// to the template do not leak into existing nodes.
func (t NodeType) Instantiate(id string, name string, config Config) *Node {
	tmpl := &Node{Ports: t.Ports}
	n := tmpl.Clone()
	n.ID = id
	n.Kind = t.Kind
	n.Name = name
	n.Config = config.Clone()
	if n.Config == nil {
		n.Config = Config{}
	}
	n.ExecutionState = NodeStatusIdle
	return n
}

var ErrUnknownNodeKind = errors.New("unknown node kind")

// NodeTypeRegistry maps node kinds to their templates.
type NodeTypeRegistry struct {
	types map[NodeKind]NodeType
}

func NewNodeTypeRegistry(types ...NodeType) *NodeTypeRegistry {
	r := &NodeTypeRegistry{types: make(map[NodeKind]NodeType)}
	for _, t := range types {
		r.Register(t)
	}
	return r
}

func (r *NodeTypeRegistry) Register(t NodeType) {
	r.types[t.Kind] = t
}

func (r *NodeTypeRegistry) Get(kind NodeKind) (NodeType, error) {
	t, ok := r.types[kind]
	if !ok {
		return NodeType{}, fmt.Errorf("%w: %s", ErrUnknownNodeKind, kind)
	}
	return t, nil
}

func (r *NodeTypeRegistry) All() []NodeType {
	out := make([]NodeType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func float(v float64) *float64 { return &v }

// DefaultNodeTypes returns the built-in node catalogue.
func DefaultNodeTypes() *NodeTypeRegistry {
	return NewNodeTypeRegistry(
		NodeType{
			Kind:  NodeKindTrigger,
			Label: "Manual trigger",
			Ports: []Port{
				{ID: "out", Direction: PortDirectionOutput, DataType: "object"},
			},
			Schema: NodeTypeSchema{Fields: []FieldSchema{
				{Name: "payload", Kind: KindObject},
			}},
		},
		NodeType{
			Kind:  NodeKindAction,
			Label: "Action",
			Ports: []Port{
				{ID: "in", Direction: PortDirectionInput, DataType: "object", Required: true},
				{ID: "out", Direction: PortDirectionOutput, DataType: "object"},
			},
			Schema: NodeTypeSchema{Fields: []FieldSchema{
				{Name: "operation", Kind: KindString, Required: true},
				{Name: "params", Kind: KindObject},
			}},
		},
		NodeType{
			Kind:  NodeKindAgent,
			Label: "Agent",
			Ports: []Port{
				{ID: "in", Direction: PortDirectionInput, DataType: "object", Required: true, AllowedConnections: []string{"string"}},
				{ID: "out", Direction: PortDirectionOutput, DataType: "string"},
			},
			Schema: NodeTypeSchema{Fields: []FieldSchema{
				{Name: "prompt", Kind: KindString, Required: true},
				{Name: "temperature", Kind: KindNumber, Min: float(0), Max: float(2)},
				{Name: "tools", Kind: KindArray},
			}},
		},
		NodeType{
			Kind:  NodeKindCondition,
			Label: "Condition",
			Ports: []Port{
				{ID: "in", Direction: PortDirectionInput, DataType: "object", Required: true},
				{ID: "out", Direction: PortDirectionOutput, DataType: "boolean"},
			},
			Schema: NodeTypeSchema{Fields: []FieldSchema{
				{Name: "field", Kind: KindString, Required: true},
				{Name: "equals", Kind: KindString},
				{Name: "negate", Kind: KindBoolean},
			}},
		},
		NodeType{
			Kind:  NodeKindDelay,
			Label: "Delay",
			Ports: []Port{
				{ID: "in", Direction: PortDirectionInput, DataType: "object", Required: true, AllowedConnections: []string{"string", "number", "boolean"}},
				{ID: "out", Direction: PortDirectionOutput, DataType: "object"},
			},
			Schema: NodeTypeSchema{Fields: []FieldSchema{
				{Name: "milliseconds", Kind: KindNumber, Required: true, Min: float(0), Max: float(3_600_000)},
			}},
		},
		NodeType{
			Kind:  NodeKindTransform,
			Label: "Transform",
			Ports: []Port{
				{ID: "in", Direction: PortDirectionInput, DataType: "object", Required: true, AllowedConnections: []string{"string", "number", "boolean"}},
				{ID: "out", Direction: PortDirectionOutput, DataType: "object"},
			},
			Schema: NodeTypeSchema{Fields: []FieldSchema{
				{Name: "set", Kind: KindObject},
			}},
		},
		NodeType{
			Kind:  NodeKindHTTPRequest,
			Label: "HTTP request",
			Ports: []Port{
				{ID: "in", Direction: PortDirectionInput, DataType: "object"},
				{ID: "out", Direction: PortDirectionOutput, DataType: "object"},
			},
			Schema: NodeTypeSchema{Fields: []FieldSchema{
				{Name: "url", Kind: KindString, Required: true, Pattern: `^https?://`},
				{Name: "method", Kind: KindString, Pattern: `^(GET|POST|PUT|PATCH|DELETE)$`},
				{Name: "timeoutSeconds", Kind: KindNumber, Min: float(1), Max: float(300)},
			}},
		},
	)
}
