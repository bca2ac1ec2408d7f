package core_test

import (
	"github.com/ivov/pipeline-tracer/internal/models"
)

// Graph fixtures built by hand, without going through a Graph.

func flowStart(id string) *models.FlowStartNode {
	return &models.FlowStartNode{NodeBase: models.NodeBase{NodeID: id, Function: "flow"}}
}

func stepStart(id, function string, enclosing models.FlowNode, parents ...models.FlowNode) *models.StepStartNode {
	return &models.StepStartNode{NodeBase: models.NodeBase{
		NodeID:        id,
		Function:      function,
		ParentNodes:   parents,
		EnclosingNode: enclosing,
	}}
}

func allocation(id string, executor *models.StepStartNode) *models.StepStartNode {
	node := stepStart(id, executor.FunctionName(), executor, executor)
	node.Allocation = true
	return node
}

func stepEnd(id string, start *models.StepStartNode) *models.StepEndNode {
	return &models.StepEndNode{
		NodeBase: models.NodeBase{
			NodeID:        id,
			Function:      start.FunctionName(),
			EnclosingNode: start.Enclosing(),
		},
		Start: start,
	}
}

func atom(id, function string, enclosing models.FlowNode, parents ...models.FlowNode) *models.AtomNode {
	return &models.AtomNode{NodeBase: models.NodeBase{
		NodeID:        id,
		Function:      function,
		ParentNodes:   parents,
		EnclosingNode: enclosing,
	}}
}
