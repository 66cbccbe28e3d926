package research

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending       Status = "pending"
	StatusPlanning      Status = "planning"
	StatusResearching   Status = "researching"
	StatusProcessing    Status = "processing"
	StatusExperimenting Status = "experimenting"
	StatusReviewing     Status = "reviewing"
	StatusCritiquing    Status = "critiquing"
	StatusReporting     Status = "reporting"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// statusOrder is the only forward path; failed sits outside it.
var statusOrder = [...]Status{
	StatusPending,
	StatusPlanning,
	StatusResearching,
	StatusProcessing,
	StatusExperimenting,
	StatusReviewing,
	StatusCritiquing,
	StatusReporting,
	StatusCompleted,
}

// AllStatuses returns every status, forward path first, then failed.
func AllStatuses() []Status {
	out := make([]Status, 0, len(statusOrder)+1)
	out = append(out, statusOrder[:]...)
	return append(out, StatusFailed)
}

func (s Status) rank() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusFailed || s.rank() >= 0
}

// IsTerminal reports whether no transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether a run is executing for a task in status s.
func (s Status) IsActive() bool {
	return s != StatusPending && !s.IsTerminal() && s.Valid()
}

// CanTransition checks a move from s to next. Keeping the same status is
// not a transition and is always allowed.
func (s Status) CanTransition(next Status) error {
	if s == next {
		return nil
	}
	if !next.Valid() {
		return &InvalidTransitionError{From: s, To: next, Reason: "unknown target status"}
	}
	if s.IsTerminal() {
		return &InvalidTransitionError{From: s, To: next, Reason: "status is terminal"}
	}
	if next == StatusFailed {
		return nil
	}
	cur, nxt := s.rank(), next.rank()
	if cur < 0 {
		return &InvalidTransitionError{From: s, To: next, Reason: "unknown current status"}
	}
	if nxt != cur+1 {
		return &InvalidTransitionError{From: s, To: next, Reason: "must follow sequential order"}
	}
	return nil
}
