package types

import "time"

// RunStatus represents the lifecycle state of a remote run.
type RunStatus string

const (
	// StatusPending indicates the run is queued and waiting to start
	StatusPending RunStatus = "pending"

	// StatusActive indicates the run is currently executing
	StatusActive RunStatus = "active"

	// StatusComplete indicates the run finished successfully
	StatusComplete RunStatus = "complete"

	// StatusError indicates the run finished with an error
	StatusError RunStatus = "error"

	// StatusCancelled indicates the run was cancelled before completion
	StatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
// Terminal states never transition automatically; only an explicit
// resume re-opens a completed run.
func (s RunStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// IsResumable reports whether a run in this status may be resumed.
// Only completed runs are resumable.
func (s RunStatus) IsResumable() bool {
	return s == StatusComplete
}

// IsRecoverable reports whether a run in this status should be re-watched
// after a process restart.
func (s RunStatus) IsRecoverable() bool {
	return s == StatusPending || s == StatusActive
}

// Valid reports whether the status is one of the known values.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusComplete, StatusError, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine permits moving from
// s to next. Observing the same status twice is not a transition and is
// handled by callers as a no-op.
//
// Pending may jump straight to a terminal state: a fast run can pass
// through Active between two polls without the client ever observing it.
// Complete transitions back to Active only through an explicit resume.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusComplete ||
			next == StatusError || next == StatusCancelled
	case StatusActive:
		return next == StatusComplete || next == StatusError || next == StatusCancelled
	case StatusComplete:
		return next == StatusActive
	default: // StatusError, StatusCancelled
		return false
	}
}

// Run is the locally tracked record of one remote job. The remote service
// owns the business content a run produces; the client owns only this
// operational metadata.
type Run struct {
	// ID is the opaque identifier assigned by the remote service
	ID string `json:"id"`

	// OrchestratorID is a weak back-reference to the orchestrator that
	// spawned this run, empty for top-level runs
	OrchestratorID string `json:"orchestrator_id,omitempty"`

	// Status is the last known lifecycle state
	Status RunStatus `json:"status"`

	// CreatedAt is when the run was first registered locally
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the local record last changed
	UpdatedAt time.Time `json:"updated_at"`

	// StartedAt is set on the first transition to Active
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is set on the first transition to a terminal state
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ResultSummary is a short description of the outcome, if any
	ResultSummary string `json:"result_summary,omitempty"`

	// Metadata carries caller-supplied key/value pairs
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the run. Stores hand out clones so callers
// can never mutate the canonical record in place.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Orchestrator groups one parent run with the child runs it spawned.
// ChildRunIDs is ordered and append-only; a child appears at most once.
type Orchestrator struct {
	ID          string    `json:"id"`
	ChildRunIDs []string  `json:"child_run_ids"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the orchestrator.
func (o *Orchestrator) Clone() *Orchestrator {
	if o == nil {
		return nil
	}
	cp := *o
	cp.ChildRunIDs = append([]string(nil), o.ChildRunIDs...)
	return &cp
}

// HasChild reports whether childID is already linked.
func (o *Orchestrator) HasChild(childID string) bool {
	for _, id := range o.ChildRunIDs {
		if id == childID {
			return true
		}
	}
	return false
}

// AggregateStatus derives an orchestrator's status from its children:
// Active while any child is non-terminal, otherwise Error if any child
// errored, Cancelled if any child was cancelled, Complete when every
// child completed. No children means Pending.
func AggregateStatus(children []RunStatus) RunStatus {
	if len(children) == 0 {
		return StatusPending
	}
	sawError := false
	sawCancelled := false
	for _, s := range children {
		if !s.IsTerminal() {
			return StatusActive
		}
		switch s {
		case StatusError:
			sawError = true
		case StatusCancelled:
			sawCancelled = true
		}
	}
	if sawError {
		return StatusError
	}
	if sawCancelled {
		return StatusCancelled
	}
	return StatusComplete
}
