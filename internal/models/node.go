package models

// FlowNode is a node of a pipeline run's execution graph. The set of
// implementations is closed: AtomNode, StepStartNode, StepEndNode,
// FlowStartNode and FlowEndNode.
type FlowNode interface {
	ID() string
	FunctionName() string
	DisplayName() string

	// Parents returns the nodes that directly precede this node in the graph.
	Parents() []FlowNode

	// Enclosing returns the start node of the innermost block containing
	// this node, or nil for the root of the run.
	Enclosing() FlowNode

	isFlowNode()
}

// NodeBase holds the fields shared by every kind of node.
type NodeBase struct {
	NodeID        string
	Function      string
	Name          string
	ParentNodes   []FlowNode
	EnclosingNode FlowNode
}

func (b *NodeBase) ID() string           { return b.NodeID }
func (b *NodeBase) FunctionName() string { return b.Function }
func (b *NodeBase) DisplayName() string  { return b.Name }
func (b *NodeBase) Parents() []FlowNode  { return b.ParentNodes }
func (b *NodeBase) Enclosing() FlowNode  { return b.EnclosingNode }

// AtomNode is a step without a body, e.g. a shell script.
type AtomNode struct {
	NodeBase
}

// StepStartNode opens a block, e.g. a stage, a parallel branch or an agent.
// Allocation is set on the body start of an executor step, which marks that
// the agent has been allocated.
type StepStartNode struct {
	NodeBase
	Allocation bool
}

// StepEndNode closes the block opened by Start.
type StepEndNode struct {
	NodeBase
	Start *StepStartNode
}

// FlowStartNode is the root of a run's graph.
type FlowStartNode struct {
	NodeBase
}

// FlowEndNode closes the run's graph.
type FlowEndNode struct {
	NodeBase
	Start *FlowStartNode
}

func (*AtomNode) isFlowNode()      {}
func (*StepStartNode) isFlowNode() {}
func (*StepEndNode) isFlowNode()   {}
func (*FlowStartNode) isFlowNode() {}
func (*FlowEndNode) isFlowNode()   {}

// EnclosingBlocks returns the start nodes of the blocks containing node, from
// the innermost to the outermost.
func EnclosingBlocks(node FlowNode) []FlowNode {
	var blocks []FlowNode
	for enclosing := node.Enclosing(); enclosing != nil; enclosing = enclosing.Enclosing() {
		blocks = append(blocks, enclosing)
	}
	return blocks
}
