package models

const (
	NodeKindAtom      = "atom"
	NodeKindStepStart = "step.start"
	NodeKindStepEnd   = "step.end"
	NodeKindFlowStart = "flow.start"
	NodeKindFlowEnd   = "flow.end"
)

type BasePayload struct {
	Job string `json:"job"`
	Run int    `json:"run"`
}

func (p BasePayload) RunIdentifier() RunIdentifier {
	return NewRunIdentifier(p.Job, p.Run)
}

// ----------------
//       run
// ----------------

type RunStartedPayload struct {
	BasePayload
	Kind RunKind `json:"kind"`
}

type RunCompletedPayload struct {
	BasePayload
	Result string `json:"result"`
}

// ----------------
//      phase
// ----------------

type PhasePayload struct {
	BasePayload
	Phase string `json:"phase"`
}

// ----------------
//      node
// ----------------

type NodePayload struct {
	BasePayload
	Node NodeDescriptor `json:"node"`
}

// NodeDescriptor is the wire form of a FlowNode. Links to other nodes are
// given by id and resolved against the run's Graph.
type NodeDescriptor struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Function    string   `json:"function"`
	DisplayName string   `json:"displayName"`
	ParentIDs   []string `json:"parentIds"`
	EnclosingID string   `json:"enclosingId"`
	StartID     string   `json:"startId"`
	Allocation  bool     `json:"allocation"`
}

// ----------------
//    build step
// ----------------

type BuildStepPayload struct {
	BasePayload
	Step BuildStepDescriptor `json:"step"`
}

type BuildStepDescriptor struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

func (d BuildStepDescriptor) BuildStep() BuildStep {
	return BuildStep{Type: d.Type, Name: d.Name}
}
