// Package research defines the research task model: the fixed stage order,
// the task status state machine and the errors shared by the pipeline.
package research

import "fmt"

// Stage is one of the six fixed pipeline steps.
type Stage string

const (
	StagePlan       Stage = "plan"
	StageResearch   Stage = "research"
	StageProcess    Stage = "process"
	StageExperiment Stage = "experiment"
	StageReview     Stage = "review"
	StageCritique   Stage = "critique"
)

var stages = [...]Stage{StagePlan, StageResearch, StageProcess, StageExperiment, StageReview, StageCritique}

// AllStages returns the stages in execution order.
func AllStages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages[:])
	return out
}

// ParseStage converts a stage name into a Stage.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if s.Index() < 0 {
		return "", fmt.Errorf("unknown stage %q", name)
	}
	return s, nil
}

// Index returns the position of s in the execution order, or -1.
func (s Stage) Index() int {
	for i, st := range stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Status returns the in-progress task status for s.
func (s Stage) Status() Status {
	switch s {
	case StagePlan:
		return StatusPlanning
	case StageResearch:
		return StatusResearching
	case StageProcess:
		return StatusProcessing
	case StageExperiment:
		return StatusExperimenting
	case StageReview:
		return StatusReviewing
	case StageCritique:
		return StatusCritiquing
	}
	return ""
}

// Title is the report section heading for s.
func (s Stage) Title() string {
	switch s {
	case StagePlan:
		return "Plan"
	case StageResearch:
		return "Research"
	case StageProcess:
		return "Process"
	case StageExperiment:
		return "Experiment"
	case StageReview:
		return "Review"
	case StageCritique:
		return "Critique"
	}
	return string(s)
}

// Next returns the stage after s, or false for the last stage.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(stages)-1 {
		return "", false
	}
	return stages[i+1], true
}

// StageForStatus maps an in-progress status back to its stage.
func StageForStatus(st Status) (Stage, bool) {
	for _, s := range stages {
		if s.Status() == st {
			return s, true
		}
	}
	return "", false
}
