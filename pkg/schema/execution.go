package schema

import "time"

// ExecutionStatus is the lifecycle state of an execution.
// WAITING_APPROVAL is a parked sub-state of RUNNING.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "PENDING"
	ExecutionRunning         ExecutionStatus = "RUNNING"
	ExecutionWaitingApproval ExecutionStatus = "WAITING_APPROVAL"
	ExecutionCompleted       ExecutionStatus = "COMPLETED"
	ExecutionFailed          ExecutionStatus = "FAILED"
	ExecutionCancelled       ExecutionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// Execution is one run of one pinned workflow version.
type Execution struct {
	ID              string           `json:"id"`
	WorkflowID      string           `json:"workflow_id"`
	WorkflowVersion int              `json:"workflow_version"`
	Status          ExecutionStatus  `json:"status"`
	TriggeredBy     string           `json:"triggered_by"`
	TriggerType     TriggerType      `json:"trigger_type"`
	TriggerData     map[string]any   `json:"trigger_data,omitempty"`
	Variables       map[string]any   `json:"variables"`
	StepResults     []StepResult     `json:"step_results"`
	Logs            []ExecutionLog   `json:"logs"`
	Approvals       []ApprovalRecord `json:"approvals,omitempty"`
	CurrentStepID   string           `json:"current_step_id,omitempty"`
	Error           string           `json:"error,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// StepResult is one step's outcome.
type StepResult struct {
	StepID      string         `json:"step_id"`
	StepName    string         `json:"step_name"`
	Status      StepStatus     `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
}

// Duration returns CompletedAt - StartedAt, and false while the step is open.
func (r *StepResult) Duration() (time.Duration, bool) {
	if r.CompletedAt == nil || r.StartedAt.IsZero() {
		return 0, false
	}
	return r.CompletedAt.Sub(r.StartedAt), true
}

// ExecutionLog is one append-only log line of an execution.
type ExecutionLog struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	StepID    string         `json:"step_id,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// ApprovalStatus is the state of a human decision.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// ApprovalRecord is one outstanding or decided human decision.
type ApprovalRecord struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	ApproverID  string         `json:"approver_id"`
	Status      ApprovalStatus `json:"status"`
	Comment     string         `json:"comment,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// Approval returns a pointer into Approvals for the given id.
func (e *Execution) Approval(id string) *ApprovalRecord {
	for i := range e.Approvals {
		if e.Approvals[i].ID == id {
			return &e.Approvals[i]
		}
	}
	return nil
}

// ApprovalForStep returns the most recent approval created by the given step.
func (e *Execution) ApprovalForStep(stepID string) *ApprovalRecord {
	for i := len(e.Approvals) - 1; i >= 0; i-- {
		if e.Approvals[i].StepID == stepID {
			return &e.Approvals[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to another goroutine or store.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.TriggerData = CloneMap(e.TriggerData)
	c.Variables = CloneMap(e.Variables)
	c.StepResults = make([]StepResult, len(e.StepResults))
	for i, r := range e.StepResults {
		r.Output = CloneMap(r.Output)
		r.CompletedAt = cloneTime(r.CompletedAt)
		c.StepResults[i] = r
	}
	c.Logs = make([]ExecutionLog, len(e.Logs))
	for i, l := range e.Logs {
		l.Data = CloneMap(l.Data)
		c.Logs[i] = l
	}
	if e.Approvals != nil {
		c.Approvals = make([]ApprovalRecord, len(e.Approvals))
		for i, a := range e.Approvals {
			a.DecidedAt = cloneTime(a.DecidedAt)
			a.ExpiresAt = cloneTime(a.ExpiresAt)
			c.Approvals[i] = a
		}
	}
	c.CompletedAt = cloneTime(e.CompletedAt)
	return &c
}

// CloneMap deep-copies nested maps and slices; other values are shared.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			s[i] = cloneValue(item)
		}
		return s
	case []StepResult:
		s := make([]StepResult, len(val))
		for i, r := range val {
			r.Output = CloneMap(r.Output)
			s[i] = r
		}
		return s
	default:
		return v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
