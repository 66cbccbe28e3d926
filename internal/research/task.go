package research

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// DomainSource records where a task's domain came from.
type DomainSource string

const (
	DomainFromUser DomainSource = "user"
	DomainFromLLM  DomainSource = "auto"
)

// Task is one end-to-end research run.
type Task struct {
	ID           string        `json:"id"`
	Domain       string        `json:"domain,omitempty"`
	DomainSource DomainSource  `json:"domain_source,omitempty"`
	Sources      []string      `json:"sources,omitempty"`
	Status       Status        `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Results      []StageResult `json:"results,omitempty"`
	Flags        []Flag        `json:"flags,omitempty"`
	Error        *ErrorDetail  `json:"error,omitempty"`
	Report       string        `json:"report,omitempty"`
	ReportPath   string        `json:"report_path,omitempty"`
}

// StageResult is the output of one successful agent invocation.
type StageResult struct {
	Stage       Stage             `json:"stage"`
	Agent       string            `json:"agent"`
	Content     string            `json:"content"`
	GeneratedAt time.Time         `json:"generated_at"`
	References  []string          `json:"references,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// ErrorDetail names the status a task failed in and why.
type ErrorDetail struct {
	Stage   Status `json:"stage"`
	Message string `json:"message"`
}

// Severity grades a Flag.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Flag is an observation raised about a stage result. Flags are recorded on
// the task and never change its course; critical ones fail the stage before
// they are recorded.
type Flag struct {
	Stage       Stage     `json:"stage"`
	Source      string    `json:"source"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	RaisedAt    time.Time `json:"raised_at"`
}

// NewTask returns a pending task.
func NewTask(id, domain string, sources []string, now time.Time) *Task {
	t := &Task{
		ID:        id,
		Domain:    domain,
		Sources:   slices.Clone(sources),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if domain != "" {
		t.DomainSource = DomainFromUser
	}
	return t
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Sources = slices.Clone(t.Sources)
	c.Flags = slices.Clone(t.Flags)
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.Results != nil {
		c.Results = make([]StageResult, len(t.Results))
		for i, r := range t.Results {
			r.References = slices.Clone(r.References)
			r.Attributes = maps.Clone(r.Attributes)
			c.Results[i] = r
		}
	}
	return &c
}

// Result returns the result recorded for stage.
func (t *Task) Result(stage Stage) (StageResult, bool) {
	for _, r := range t.Results {
		if r.Stage == stage {
			return r, true
		}
	}
	return StageResult{}, false
}

// CurrentStage is the stage being executed, or the one that failed.
func (t *Task) CurrentStage() Stage {
	if s, ok := StageForStatus(t.Status); ok {
		return s
	}
	if t.Status == StatusFailed && t.Error != nil {
		if s, ok := StageForStatus(t.Error.Stage); ok {
			return s
		}
	}
	return ""
}

// Progress estimates completion as a percentage. Reporting counts as one step.
func (t *Task) Progress() int {
	if t.Status == StatusCompleted {
		return 100
	}
	return len(t.Results) * 100 / (len(stages) + 1)
}

// ValidateUpdate checks that after is a legal successor of before: the id is
// immutable, a set domain is never replaced, results are append-only and in
// stage order, and the status moves along the state machine.
func ValidateUpdate(before, after *Task) error {
	fail := func(reason string) error {
		return &InvalidTransitionError{TaskID: before.ID, From: before.Status, To: after.Status, Reason: reason}
	}

	if after.ID != before.ID {
		return fail("id is immutable")
	}
	if !after.CreatedAt.Equal(before.CreatedAt) {
		return fail("created_at is immutable")
	}
	if before.Domain != "" && after.Domain != before.Domain {
		return fail("domain is already set")
	}

	if len(after.Results) < len(before.Results) {
		return fail("stage results are append-only")
	}
	for i, prev := range before.Results {
		if !sameResult(prev, after.Results[i]) {
			return fail(fmt.Sprintf("result for stage %s was modified", prev.Stage))
		}
	}
	for i := len(before.Results); i < len(after.Results); i++ {
		r := after.Results[i]
		if i >= len(stages) || r.Stage != stages[i] {
			return fail(fmt.Sprintf("result for stage %s out of order", r.Stage))
		}
		if r.Content == "" {
			return fail(fmt.Sprintf("result for stage %s is empty", r.Stage))
		}
	}

	if err := before.Status.CanTransition(after.Status); err != nil {
		var ite *InvalidTransitionError
		if errors.As(err, &ite) {
			ite.TaskID = before.ID
		}
		return err
	}
	return nil
}

func sameResult(a, b StageResult) bool {
	return a.Stage == b.Stage &&
		a.Agent == b.Agent &&
		a.Content == b.Content &&
		a.GeneratedAt.Equal(b.GeneratedAt) &&
		slices.Equal(a.References, b.References) &&
		maps.Equal(a.Attributes, b.Attributes)
}

// Summary is the list view of a task.
type Summary struct {
	ID           string    `json:"task_id"`
	Domain       string    `json:"domain,omitempty"`
	Status       Status    `json:"status"`
	CurrentStage Stage     `json:"current_stage,omitempty"`
	Progress     int       `json:"progress"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Error        string    `json:"error,omitempty"`
}

// Summarize returns the list view of t.
func (t *Task) Summarize() Summary {
	s := Summary{
		ID:           t.ID,
		Domain:       t.Domain,
		Status:       t.Status,
		CurrentStage: t.CurrentStage(),
		Progress:     t.Progress(),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.Error != nil {
		s.Error = t.Error.Message
	}
	return s
}
