package core

import (
	"github.com/ivov/pipeline-tracer/internal/models"
)

// Ancestors returns the nodes to look up, in order, when searching for the
// span enclosing node: the node itself (or the start node, for a step end
// node) followed by its enclosing blocks from the innermost to the run root.
//
// For a shell step inside a parallel branch inside a stage inside an agent,
// the result is [step, branch, stage, agent, flow start]. A nil node has no
// ancestors.
func Ancestors(node models.FlowNode) []models.FlowNode {
	if node == nil {
		return nil
	}

	start := node
	if end, ok := node.(*models.StepEndNode); ok && end.Start != nil {
		start = end.Start
	}

	return append([]models.FlowNode{start}, models.EnclosingBlocks(start)...)
}
