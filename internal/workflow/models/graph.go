package models

import "fmt"

type NodeKind string

const (
	NodeKindTrigger     NodeKind = "trigger"
	NodeKindAction      NodeKind = "action"
	NodeKindAgent       NodeKind = "agent"
	NodeKindCondition   NodeKind = "condition"
	NodeKindDelay       NodeKind = "delay"
	NodeKindTransform   NodeKind = "transform"
	NodeKindHTTPRequest NodeKind = "http_request"
)

type PortDirection string

const (
	PortDirectionInput  PortDirection = "input"
	PortDirectionOutput PortDirection = "output"
)

// Port is a typed attachment point on a node. Ports are copied from the
// node type template on instantiation and never change afterwards.
type Port struct {
	ID                 string        `json:"id"`
	Direction          PortDirection `json:"direction"`
	DataType           string        `json:"dataType"`
	Required           bool          `json:"required"`
	AllowedConnections []string      `json:"allowedConnections,omitempty"`
}

// Accepts reports whether a value of dataType may flow into this port.
func (p Port) Accepts(dataType string) bool {
	if p.DataType == dataType {
		return true
	}
	for _, allowed := range p.AllowedConnections {
		if allowed == dataType {
			return true
		}
	}
	return false
}

type Node struct {
	ID     string   `json:"id"`
	Kind   NodeKind `json:"kind"`
	Name   string   `json:"name,omitempty"`
	Ports  []Port   `json:"ports"`
	Config Config   `json:"config"`
	// Transient, reset at the start of every run.
	ExecutionState ExecutionStatus `json:"executionState"`
}

// Port returns the port with the given id.
func (n *Node) Port(id string) (Port, bool) {
	for _, p := range n.Ports {
		if p.ID == id {
			return p, true
		}
	}
	return Port{}, false
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	ports := make([]Port, len(n.Ports))
	for i, p := range n.Ports {
		p.AllowedConnections = append([]string(nil), p.AllowedConnections...)
		ports[i] = p
	}
	return &Node{
		ID:             n.ID,
		Kind:           n.Kind,
		Name:           n.Name,
		Ports:          ports,
		Config:         n.Config.Clone(),
		ExecutionState: n.ExecutionState,
	}
}

// Edge connects an output port to an input port.
type Edge struct {
	ID           string `json:"id"`
	SourceNodeID string `json:"sourceNodeId"`
	SourcePortID string `json:"sourcePortId"`
	TargetNodeID string `json:"targetNodeId"`
	TargetPortID string `json:"targetPortId"`
}

// Key identifies the (source node, source port, target node, target port)
// tuple, which is unique within a graph.
func (e Edge) Key() string {
	return fmt.Sprintf("%s:%s->%s:%s", e.SourceNodeID, e.SourcePortID, e.TargetNodeID, e.TargetPortID)
}

// Graph is a plain container of nodes and edges. It keeps insertion order so
// schedules and snapshots are deterministic. It does not validate anything;
// callers outside this package mutate graphs through session.WorkflowSession.
type Graph struct {
	nodes     map[string]*Node
	nodeOrder []string
	edges     map[string]Edge
	edgeOrder []string
	// edge ids per endpoint, in insertion order
	outEdges map[string][]string
	inEdges  map[string][]string
}

func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		edges:    make(map[string]Edge),
		outEdges: make(map[string][]string),
		inEdges:  make(map[string][]string),
	}
}

func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, g.nodes[id])
	}
	return out
}

func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edgeOrder))
	for _, id := range g.edgeOrder {
		out = append(out, g.edges[id])
	}
	return out
}

func (g *Graph) Edge(id string) (Edge, bool) {
	e, ok := g.edges[id]
	return e, ok
}

func (g *Graph) NodeCount() int { return len(g.nodeOrder) }
func (g *Graph) EdgeCount() int { return len(g.edgeOrder) }

// HasConnection reports whether the exact port pair is already connected.
func (g *Graph) HasConnection(candidate Edge) bool {
	key := candidate.Key()
	for _, e := range g.edges {
		if e.Key() == key {
			return true
		}
	}
	return false
}

// PutNode inserts or replaces a node.
func (g *Graph) PutNode(n *Node) {
	if _, exists := g.nodes[n.ID]; !exists {
		g.nodeOrder = append(g.nodeOrder, n.ID)
	}
	g.nodes[n.ID] = n
}

// DeleteNode removes a node and every edge touching it. The removed edges
// are returned in insertion order.
func (g *Graph) DeleteNode(id string) []Edge {
	if _, ok := g.nodes[id]; !ok {
		return nil
	}
	delete(g.nodes, id)
	g.nodeOrder = removeString(g.nodeOrder, id)

	var removed []Edge
	for _, e := range g.Edges() {
		if e.SourceNodeID == id || e.TargetNodeID == id {
			g.DeleteEdge(e.ID)
			removed = append(removed, e)
		}
	}
	return removed
}

func (g *Graph) PutEdge(e Edge) {
	if old, exists := g.edges[e.ID]; exists {
		g.unindex(old)
	} else {
		g.edgeOrder = append(g.edgeOrder, e.ID)
	}
	g.edges[e.ID] = e
	g.outEdges[e.SourceNodeID] = append(g.outEdges[e.SourceNodeID], e.ID)
	g.inEdges[e.TargetNodeID] = append(g.inEdges[e.TargetNodeID], e.ID)
}

func (g *Graph) DeleteEdge(id string) bool {
	e, ok := g.edges[id]
	if !ok {
		return false
	}
	g.unindex(e)
	delete(g.edges, id)
	g.edgeOrder = removeString(g.edgeOrder, id)
	return true
}

func (g *Graph) unindex(e Edge) {
	if rest := removeString(g.outEdges[e.SourceNodeID], e.ID); len(rest) > 0 {
		g.outEdges[e.SourceNodeID] = rest
	} else {
		delete(g.outEdges, e.SourceNodeID)
	}
	if rest := removeString(g.inEdges[e.TargetNodeID], e.ID); len(rest) > 0 {
		g.inEdges[e.TargetNodeID] = rest
	} else {
		delete(g.inEdges, e.TargetNodeID)
	}
}

// Predecessors returns the distinct upstream node ids of a node.
func (g *Graph) Predecessors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, edgeID := range g.inEdges[id] {
		if src := g.edges[edgeID].SourceNodeID; !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	return out
}

// Successors returns the distinct downstream node ids of a node.
func (g *Graph) Successors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, edgeID := range g.outEdges[id] {
		if dst := g.edges[edgeID].TargetNodeID; !seen[dst] {
			seen[dst] = true
			out = append(out, dst)
		}
	}
	return out
}

// Reaches reports whether a directed path leads from one node to another.
// Only the part of the graph downstream of from is visited.
func (g *Graph) Reaches(from string, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edgeID := range g.outEdges[id] {
			next := g.edges[edgeID].TargetNodeID
			if next == to {
				return true
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	out := NewGraph()
	for _, n := range g.Nodes() {
		out.PutNode(n.Clone())
	}
	for _, e := range g.Edges() {
		out.PutEdge(e)
	}
	return out
}

// GraphSnapshot is the wire form of a graph.
type GraphSnapshot struct {
	Nodes []*Node `json:"nodes"`
	Edges []Edge  `json:"edges"`
}

func (g *Graph) Snapshot() GraphSnapshot {
	c := g.Clone()
	return GraphSnapshot{Nodes: c.Nodes(), Edges: c.Edges()}
}

func removeString(list []string, value string) []string {
	for i, v := range list {
		if v == value {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
