package models

import (
	"errors"
	"fmt"
)

// ErrUnknownNode is returned when a descriptor references a node the graph has
// never seen, typically because the tracer restarted in the middle of a run.
var ErrUnknownNode = errors.New("unknown node")

// Graph is the part of a run's execution graph reported so far. It is not safe
// for concurrent use.
type Graph struct {
	nodes map[string]FlowNode
}

func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]FlowNode)}
}

func (g *Graph) Node(id string) (FlowNode, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

// Resolve returns the node for the descriptor, adding it to the graph on first
// sight. Parent and enclosing links that point to unknown nodes are dropped.
func (g *Graph) Resolve(d NodeDescriptor) (FlowNode, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("node descriptor without id")
	}

	if node, ok := g.nodes[d.ID]; ok {
		return node, nil
	}

	base := NodeBase{
		NodeID:   d.ID,
		Function: d.Function,
		Name:     d.DisplayName,
	}

	for _, parentID := range d.ParentIDs {
		if parent, ok := g.nodes[parentID]; ok {
			base.ParentNodes = append(base.ParentNodes, parent)
		}
	}

	if enclosing, ok := g.nodes[d.EnclosingID]; ok {
		base.EnclosingNode = enclosing
	}

	var node FlowNode

	switch d.Kind {
	case NodeKindAtom:
		node = &AtomNode{NodeBase: base}
	case NodeKindStepStart:
		node = &StepStartNode{NodeBase: base, Allocation: d.Allocation}
	case NodeKindStepEnd:
		start, ok := g.nodes[d.StartID].(*StepStartNode)
		if !ok {
			return nil, fmt.Errorf("start node %q of step end node %q: %w", d.StartID, d.ID, ErrUnknownNode)
		}
		base.EnclosingNode = start.Enclosing()
		node = &StepEndNode{NodeBase: base, Start: start}
	case NodeKindFlowStart:
		node = &FlowStartNode{NodeBase: base}
	case NodeKindFlowEnd:
		end := &FlowEndNode{NodeBase: base}
		if start, ok := g.nodes[d.StartID].(*FlowStartNode); ok {
			end.Start = start
		}
		node = end
	default:
		return nil, fmt.Errorf("unsupported node kind %q for node %q", d.Kind, d.ID)
	}

	g.nodes[d.ID] = node

	return node, nil
}
