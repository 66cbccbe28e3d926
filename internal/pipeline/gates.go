package pipeline

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/researchd/internal/agents"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

// Violation is a problem a gate found with a stage result.
type Violation struct {
	Gate        string
	Stage       research.Stage
	Description string
	Severity    research.Severity
}

// StageGate inspects a stage result before it is recorded.
type StageGate interface {
	Name() string
	Check(ctx context.Context, task *research.Task, result research.StageResult) ([]Violation, error)
}

// ContentGate fails stages whose output is empty or shorter than MinChars.
type ContentGate struct {
	MinChars int
}

// NewContentGate creates a content gate. minChars below 1 is treated as 1.
func NewContentGate(minChars int) *ContentGate {
	return &ContentGate{MinChars: max(minChars, 1)}
}

// Name returns the gate identifier
func (g *ContentGate) Name() string {
	return "content-gate"
}

// Check validates the result has enough text
func (g *ContentGate) Check(_ context.Context, _ *research.Task, result research.StageResult) ([]Violation, error) {
	n := utf8.RuneCountInString(strings.TrimSpace(result.Content))
	switch {
	case n == 0:
		return []Violation{{
			Gate:        g.Name(),
			Stage:       result.Stage,
			Description: "stage produced no content",
			Severity:    research.SeverityCritical,
		}}, nil
	case n < g.MinChars:
		return []Violation{{
			Gate:        g.Name(),
			Stage:       result.Stage,
			Description: fmt.Sprintf("stage produced %d characters, minimum is %d", n, g.MinChars),
			Severity:    research.SeverityCritical,
		}}, nil
	}
	return nil, nil
}

// ReviewFlagGate records the reviewer's re-run suggestion. The suggestion is
// informational and never changes the pipeline.
type ReviewFlagGate struct{}

// NewReviewFlagGate creates a review flag gate
func NewReviewFlagGate() *ReviewFlagGate {
	return &ReviewFlagGate{}
}

// Name returns the gate identifier
func (g *ReviewFlagGate) Name() string {
	return "review-flag-gate"
}

// Check reports a warning when the reviewer suggested a re-run
func (g *ReviewFlagGate) Check(_ context.Context, _ *research.Task, result research.StageResult) ([]Violation, error) {
	if result.Attributes[agents.AttrNeedsRerun] != "true" {
		return nil, nil
	}
	return []Violation{{
		Gate:        g.Name(),
		Stage:       result.Stage,
		Description: "reviewer suggested re-running earlier stages",
		Severity:    research.SeverityWarning,
	}}, nil
}

// hasCriticalViolation checks if any violation is critical
func hasCriticalViolation(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == research.SeverityCritical {
			return true
		}
	}
	return false
}

// describeViolations creates a summary of violations
func describeViolations(violations []Violation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, fmt.Sprintf("[%s] %s", v.Gate, v.Description))
	}
	return strings.Join(parts, "; ")
}
