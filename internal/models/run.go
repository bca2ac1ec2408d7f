package models

import "fmt"

type RunKind = string

const (
	RunKindPipeline  RunKind = "pipeline"
	RunKindFreestyle RunKind = "freestyle"
)

// RunIdentifier identifies one build run for its whole lifetime. It is
// comparable and is used directly as a map key.
type RunIdentifier struct {
	JobFullPath string
	RunNumber   int
}

func NewRunIdentifier(jobFullPath string, runNumber int) RunIdentifier {
	return RunIdentifier{JobFullPath: jobFullPath, RunNumber: runNumber}
}

func (r RunIdentifier) String() string {
	return fmt.Sprintf("%s#%d", r.JobFullPath, r.RunNumber)
}

// BuildStep is a step of a freestyle run, which has no execution graph.
type BuildStep struct {
	Type string
	Name string
}
