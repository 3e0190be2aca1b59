package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func chain(ids ...string) *Graph {
	g := NewGraph()
	for _, id := range ids {
		g.PutNode(&Node{ID: id})
	}
	for i := 0; i+1 < len(ids); i++ {
		g.PutEdge(Edge{ID: ids[i] + "-" + ids[i+1], SourceNodeID: ids[i], TargetNodeID: ids[i+1]})
	}
	return g
}

func TestGraph_Reaches(t *testing.T) {
	g := chain("t", "a", "b")
	g.PutNode(&Node{ID: "x"})

	assert.True(t, g.Reaches("t", "b"))
	assert.True(t, g.Reaches("a", "a"))
	assert.False(t, g.Reaches("b", "t"))
	assert.False(t, g.Reaches("x", "b"))

	g.DeleteEdge("a-b")
	assert.False(t, g.Reaches("t", "b"))
	assert.Empty(t, g.Successors("a"))
	assert.Empty(t, g.Predecessors("b"))
}

func TestGraph_IndexFollowsEdits(t *testing.T) {
	g := chain("t", "a", "b")
	g.PutEdge(Edge{ID: "t-b", SourceNodeID: "t", TargetNodeID: "b"})
	assert.Equal(t, []string{"a", "b"}, g.Successors("t"))
	assert.Equal(t, []string{"a", "t"}, g.Predecessors("b"))

	// replacing an edge moves it in the index
	g.PutEdge(Edge{ID: "t-b", SourceNodeID: "a", TargetNodeID: "b"})
	assert.Equal(t, []string{"a"}, g.Successors("t"))
	assert.Equal(t, []string{"b"}, g.Successors("a"))

	removed := g.DeleteNode("a")
	assert.Len(t, removed, 3)
	assert.Empty(t, g.Successors("t"))
	assert.Empty(t, g.Predecessors("b"))
	assert.Equal(t, 0, g.EdgeCount())

	clone := chain("p", "q").Clone()
	assert.True(t, clone.Reaches("p", "q"))
}
