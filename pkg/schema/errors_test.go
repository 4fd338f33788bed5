package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeNotFound, "Workflow %s not found", "wf-1")
	assert.Equal(t, "[NOT_FOUND] Workflow wf-1 not found", err.Error())

	err = NewError(ErrCodeStepFailed, "boom").WithStep("s1")
	assert.Equal(t, "[STEP_FAILED] step s1: boom", err.Error())
}

func TestFlowError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "save execution").WithCause(cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewError(ErrCodeConflict, "already decided"))
	assert.True(t, IsCode(err, ErrCodeConflict))
	assert.False(t, IsCode(err, ErrCodeNotFound))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeConflict))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Workflow is not active", Message(NewError(ErrCodeValidation, "Workflow is not active")))
	assert.Equal(t, "plain", Message(errors.New("plain")))
}

func TestExecution_CloneIsDeep(t *testing.T) {
	e := &Execution{
		ID:        "ex-1",
		Variables: map[string]any{"invoice": map[string]any{"amount": 10}},
		StepResults: []StepResult{{
			StepID: "s1",
			Output: map[string]any{"items": []any{"a"}},
		}},
		Approvals: []ApprovalRecord{{ID: "ap-1", Status: ApprovalPending}},
	}
	c := e.Clone()

	c.Variables["invoice"].(map[string]any)["amount"] = 20
	c.StepResults[0].Output["items"].([]any)[0] = "b"
	c.Approvals[0].Status = ApprovalApproved

	assert.Equal(t, 10, e.Variables["invoice"].(map[string]any)["amount"])
	assert.Equal(t, "a", e.StepResults[0].Output["items"].([]any)[0])
	assert.Equal(t, ApprovalPending, e.Approvals[0].Status)
}

func TestExecutionStatus_Terminal(t *testing.T) {
	assert.True(t, ExecutionCompleted.Terminal())
	assert.True(t, ExecutionFailed.Terminal())
	assert.True(t, ExecutionCancelled.Terminal())
	assert.False(t, ExecutionWaitingApproval.Terminal())
	assert.False(t, ExecutionRunning.Terminal())
}
