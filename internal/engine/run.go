package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/bizflow/internal/actions"
	"github.com/rendis/bizflow/internal/expressions"
	"github.com/rendis/bizflow/pkg/schema"
)

// Run is the in-memory state of one execution while the engine drives it.
// The execution record is only touched under mu; PARALLEL sub-steps share the
// same Run and therefore the same variable map.
type Run struct {
	mu   sync.Mutex
	exec *schema.Execution
	wf   *schema.Workflow

	steps []schema.Step  // sorted by Order
	index map[string]int // step id -> position in steps
	owned map[string]bool

	stepsRun int
	now      func() time.Time

	// resumeStepID is the step Recover restarts at. The first entry into it
	// sets resumed, which the next entry into any step clears.
	resumeStepID string
	resumed      bool
}

func newRun(wf *schema.Workflow, exec *schema.Execution, now func() time.Time) *Run {
	steps := schema.CloneSteps(wf.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	r := &Run{
		exec:  exec,
		wf:    wf,
		steps: steps,
		index: make(map[string]int, len(steps)),
		owned: make(map[string]bool),
		now:   now,
	}
	for i, s := range steps {
		r.index[s.ID] = i
		for _, id := range s.ParallelSteps {
			r.owned[id] = true
		}
		if s.Loop != nil {
			for _, id := range s.Loop.Body {
				r.owned[id] = true
			}
		}
	}
	if r.exec.Variables == nil {
		r.exec.Variables = make(map[string]any)
	}
	return r
}

// --- actions.ExecutionContext ---

func (r *Run) ExecutionID() string { return r.exec.ID }
func (r *Run) WorkflowID() string  { return r.exec.WorkflowID }

func (r *Run) Variables() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return schema.CloneMap(r.exec.Variables)
}

func (r *Run) Lookup(path string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return expressions.Resolve(path, r.exec.Variables)
}

func (r *Run) SetVariable(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.Variables[key] = value
}

var _ actions.ExecutionContext = (*Run)(nil)

// --- helpers used by the executor and interpreter ---

// step returns the step with the given id.
func (r *Run) step(id string) (schema.Step, bool) {
	i, ok := r.index[id]
	if !ok {
		return schema.Step{}, false
	}
	return r.steps[i], true
}

// position returns the index of the step with the given id.
func (r *Run) position(id string) (int, bool) {
	i, ok := r.index[id]
	return i, ok
}

// nextOrdinal returns the first top-level step after pos, or -1 at the end.
// Steps owned by a PARALLEL or LOOP step are only run by their owner.
func (r *Run) nextOrdinal(pos int) int {
	for i := pos + 1; i < len(r.steps); i++ {
		if !r.owned[r.steps[i].ID] {
			return i
		}
	}
	return -1
}

// firstPosition returns the first top-level step, or -1 when there is none.
func (r *Run) firstPosition() int {
	return r.nextOrdinal(-1)
}

func (r *Run) status() schema.ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Status
}

func (r *Run) snapshot() *schema.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

// log appends an execution log entry.
func (r *Run) log(level schema.LogLevel, stepID, msg string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logLocked(level, stepID, msg, data)
}

func (r *Run) logLocked(level schema.LogLevel, stepID, msg string, data map[string]any) {
	r.exec.Logs = append(r.exec.Logs, schema.ExecutionLog{
		Timestamp: r.now(),
		Level:     level,
		StepID:    stepID,
		Message:   msg,
		Data:      data,
	})
}

// transitionLocked moves the execution to a new status.
func (r *Run) transitionLocked(to schema.ExecutionStatus) error {
	if err := ExecutionLifecycle.Check(r.exec.ID, r.exec.Status, to); err != nil {
		return err
	}
	r.exec.Status = to
	if to.Terminal() {
		t := r.now()
		r.exec.CompletedAt = &t
	}
	return nil
}

// failLocked ends the execution with msg unless it is already terminal.
func (r *Run) failLocked(msg string) {
	if r.exec.Status.Terminal() {
		return
	}
	if err := r.transitionLocked(schema.ExecutionFailed); err != nil {
		return
	}
	r.exec.Error = msg
	r.logLocked(schema.LogError, r.exec.CurrentStepID, "Workflow execution failed", map[string]any{"error": msg})
}

// enterStep marks step as current and logs the entry.
func (r *Run) enterStep(step schema.Step) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec.Status != schema.ExecutionRunning {
		return false
	}
	r.stepsRun++
	r.resumed = r.resumeStepID != "" && r.resumeStepID == step.ID
	r.resumeStepID = ""
	r.exec.CurrentStepID = step.ID
	r.logLocked(schema.LogInfo, step.ID, "Executing step "+step.Name, map[string]any{"type": string(step.Type)})
	return true
}

// recordLocked stores res. A result for an APPROVAL step replaces the step's
// open PENDING entry so each parked approval has a single entry.
func (r *Run) recordLocked(res schema.StepResult) {
	for i := len(r.exec.StepResults) - 1; i >= 0; i-- {
		prev := r.exec.StepResults[i]
		if prev.StepID == res.StepID && prev.Status == schema.StepPending {
			r.exec.StepResults[i] = res
			return
		}
	}
	r.exec.StepResults = append(r.exec.StepResults, res)
}

// addApproval appends a new pending approval record.
func (r *Run) addApproval(rec schema.ApprovalRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.Approvals = append(r.exec.Approvals, rec)
}

// resumingAt reports whether the drive loop is re-entering stepID after a
// restart rather than visiting it anew.
func (r *Run) resumingAt(stepID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumed && r.exec.CurrentStepID == stepID
}

// approvalForStep returns a copy of the latest approval created by stepID.
func (r *Run) approvalForStep(stepID string) (schema.ApprovalRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.exec.ApprovalForStep(stepID)
	if rec == nil {
		return schema.ApprovalRecord{}, false
	}
	return *rec, true
}
