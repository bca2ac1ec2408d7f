package models

const (
	EventTypeRunStarted   = "run.started"
	EventTypeRunCompleted = "run.completed"

	EventTypePhaseStarted  = "phase.started"
	EventTypePhaseFinished = "phase.finished"

	EventTypeNodeStarted  = "node.started"
	EventTypeNodeFinished = "node.finished"

	EventTypeBuildStepStarted  = "buildstep.started"
	EventTypeBuildStepFinished = "buildstep.finished"
)

// RunEvent is implemented by every lifecycle event reported by the build engine.
type RunEvent interface {
	RunIdentifier() RunIdentifier
	EventType() string
}

// ----------------
//       run
// ----------------

type RunStartedEvent struct {
	Timestamp string            `json:"ts"`
	Payload   RunStartedPayload `json:"payload"`
}

type RunCompletedEvent struct {
	Timestamp string              `json:"ts"`
	Payload   RunCompletedPayload `json:"payload"`
}

// ----------------
//      phase
// ----------------

type PhaseStartedEvent struct {
	Timestamp string       `json:"ts"`
	Payload   PhasePayload `json:"payload"`
}

type PhaseFinishedEvent struct {
	Timestamp string       `json:"ts"`
	Payload   PhasePayload `json:"payload"`
}

// ----------------
//      node
// ----------------

type NodeStartedEvent struct {
	Timestamp string      `json:"ts"`
	Payload   NodePayload `json:"payload"`
}

type NodeFinishedEvent struct {
	Timestamp string      `json:"ts"`
	Payload   NodePayload `json:"payload"`
}

// ----------------
//    build step
// ----------------

type BuildStepStartedEvent struct {
	Timestamp string           `json:"ts"`
	Payload   BuildStepPayload `json:"payload"`
}

type BuildStepFinishedEvent struct {
	Timestamp string           `json:"ts"`
	Payload   BuildStepPayload `json:"payload"`
}

func (e RunStartedEvent) RunIdentifier() RunIdentifier        { return e.Payload.RunIdentifier() }
func (e RunCompletedEvent) RunIdentifier() RunIdentifier      { return e.Payload.RunIdentifier() }
func (e PhaseStartedEvent) RunIdentifier() RunIdentifier      { return e.Payload.RunIdentifier() }
func (e PhaseFinishedEvent) RunIdentifier() RunIdentifier     { return e.Payload.RunIdentifier() }
func (e NodeStartedEvent) RunIdentifier() RunIdentifier       { return e.Payload.RunIdentifier() }
func (e NodeFinishedEvent) RunIdentifier() RunIdentifier      { return e.Payload.RunIdentifier() }
func (e BuildStepStartedEvent) RunIdentifier() RunIdentifier  { return e.Payload.RunIdentifier() }
func (e BuildStepFinishedEvent) RunIdentifier() RunIdentifier { return e.Payload.RunIdentifier() }

func (RunStartedEvent) EventType() string        { return EventTypeRunStarted }
func (RunCompletedEvent) EventType() string      { return EventTypeRunCompleted }
func (PhaseStartedEvent) EventType() string      { return EventTypePhaseStarted }
func (PhaseFinishedEvent) EventType() string     { return EventTypePhaseFinished }
func (NodeStartedEvent) EventType() string       { return EventTypeNodeStarted }
func (NodeFinishedEvent) EventType() string      { return EventTypeNodeFinished }
func (BuildStepStartedEvent) EventType() string  { return EventTypeBuildStepStarted }
func (BuildStepFinishedEvent) EventType() string { return EventTypeBuildStepFinished }
