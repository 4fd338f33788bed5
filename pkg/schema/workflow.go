package schema

import "time"

// Workflow is a versioned business process definition.
// Steps and triggers are replaced wholesale on update; their ids are minted per version.
type Workflow struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	NameRo        string         `json:"name_ro,omitempty"`
	Description   string         `json:"description,omitempty"`
	DescriptionRo string         `json:"description_ro,omitempty"`
	Category      string         `json:"category,omitempty"`
	Status        WorkflowStatus `json:"status"`
	Version       int            `json:"version"`
	Triggers      []Trigger      `json:"triggers,omitempty" validate:"dive"`
	Steps         []Step         `json:"steps" validate:"dive"`
	Variables     map[string]any `json:"variables,omitempty"`
	OwnerID       string         `json:"owner_id,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// StepByID returns the step with the given id.
func (w *Workflow) StepByID(id string) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// TriggerType enumerates how a workflow can be started.
type TriggerType string

const (
	TriggerEvent     TriggerType = "EVENT"
	TriggerSchedule  TriggerType = "SCHEDULE"
	TriggerManual    TriggerType = "MANUAL"
	TriggerWebhook   TriggerType = "WEBHOOK"
	TriggerCondition TriggerType = "CONDITION"
)

// Trigger starts a workflow. Only the fields relevant to Type are set.
type Trigger struct {
	ID   string      `json:"id"`
	Type TriggerType `json:"type" validate:"required,oneof=EVENT SCHEDULE MANUAL WEBHOOK CONDITION"`

	// EVENT
	Event      string      `json:"event,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`

	// SCHEDULE: standard 5-field cron or a descriptor (@hourly, @every 5m).
	Schedule string `json:"schedule,omitempty"`

	// WEBHOOK
	WebhookPath   string `json:"webhook_path,omitempty"`
	PayloadSchema string `json:"payload_schema,omitempty"` // optional JSON Schema for the payload

	// CONDITION: CEL expression over `event` and `payload`, checked for every domain event.
	Expression string `json:"expression,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAction    StepType = "ACTION"
	StepTypeCondition StepType = "CONDITION"
	StepTypeParallel  StepType = "PARALLEL"
	StepTypeLoop      StepType = "LOOP"
	StepTypeWait      StepType = "WAIT"
	StepTypeApproval  StepType = "APPROVAL"
)

// StepTypes lists every step kind.
var StepTypes = []StepType{
	StepTypeAction, StepTypeCondition, StepTypeParallel,
	StepTypeLoop, StepTypeWait, StepTypeApproval,
}

// ErrorPolicy decides what the scheduler does after a failed step.
type ErrorPolicy string

const (
	OnErrorStop     ErrorPolicy = "STOP"
	OnErrorContinue ErrorPolicy = "CONTINUE"
	OnErrorRetry    ErrorPolicy = "RETRY"
	OnErrorGoto     ErrorPolicy = "GOTO"
)

// Step is one unit of work. Only the config matching Type is set.
type Step struct {
	ID    string   `json:"id" validate:"required"`
	Name  string   `json:"name" validate:"required"`
	Type  StepType `json:"type" validate:"required,oneof=ACTION CONDITION PARALLEL LOOP WAIT APPROVAL"`
	Order int      `json:"order" validate:"gte=0"`

	Action *Action `json:"action,omitempty"`

	Conditions  []Condition `json:"conditions,omitempty" validate:"dive"`
	TrueBranch  string      `json:"true_branch,omitempty"`
	FalseBranch string      `json:"false_branch,omitempty"`

	ParallelSteps []string `json:"parallel_steps,omitempty"`

	Loop     *LoopConfig     `json:"loop,omitempty"`
	Wait     *WaitConfig     `json:"wait,omitempty"`
	Approval *ApprovalConfig `json:"approval,omitempty"`

	NextStep      string      `json:"next_step,omitempty"`
	OnError       ErrorPolicy `json:"on_error,omitempty" validate:"omitempty,oneof=STOP CONTINUE RETRY GOTO"`
	ErrorGotoStep string      `json:"error_goto_step,omitempty"`
}

// EffectiveOnError returns the error policy, STOP when unset.
func (s *Step) EffectiveOnError() ErrorPolicy {
	if s.OnError == "" {
		return OnErrorStop
	}
	return s.OnError
}

// ActionType enumerates the action adapters.
type ActionType string

const (
	ActionSendEmail        ActionType = "SEND_EMAIL"
	ActionSendNotification ActionType = "SEND_NOTIFICATION"
	ActionAPICall          ActionType = "API_CALL"
	ActionDataUpdate       ActionType = "DATA_UPDATE"
	ActionGenerateDocument ActionType = "GENERATE_DOCUMENT"
	ActionIntegration      ActionType = "INTEGRATION"
	ActionCustom           ActionType = "CUSTOM"
)

// ActionTypes lists every action kind.
var ActionTypes = []ActionType{
	ActionSendEmail, ActionSendNotification, ActionAPICall, ActionDataUpdate,
	ActionGenerateDocument, ActionIntegration, ActionCustom,
}

// Action is the payload of an ACTION step.
type Action struct {
	Type           ActionType     `json:"type" validate:"required,oneof=SEND_EMAIL SEND_NOTIFICATION API_CALL DATA_UPDATE GENERATE_DOCUMENT INTEGRATION CUSTOM"`
	Config         map[string]any `json:"config,omitempty"`
	RetryOnFailure bool           `json:"retry_on_failure,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty" validate:"gte=0,lte=10"`
	Timeout        string         `json:"timeout,omitempty"` // e.g. "30s"
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals       Operator = "EQUALS"
	OpNotEquals    Operator = "NOT_EQUALS"
	OpGreaterThan  Operator = "GREATER_THAN"
	OpLessThan     Operator = "LESS_THAN"
	OpContains     Operator = "CONTAINS"
	OpNotContains  Operator = "NOT_CONTAINS"
	OpStartsWith   Operator = "STARTS_WITH"
	OpEndsWith     Operator = "ENDS_WITH"
	OpIn           Operator = "IN"
	OpNotIn        Operator = "NOT_IN"
	OpIsNull       Operator = "IS_NULL"
	OpIsNotNull    Operator = "IS_NOT_NULL"
	OpMatchesRegex Operator = "MATCHES_REGEX"
)

// LogicalOperator joins a condition to the accumulated result of the ones before it.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Condition compares the value at Field with Value.
type Condition struct {
	Field           string          `json:"field" validate:"required"`
	Operator        Operator        `json:"operator" validate:"required"`
	Value           any             `json:"value,omitempty"`
	LogicalOperator LogicalOperator `json:"logical_operator,omitempty" validate:"omitempty,oneof=AND OR"`
}

// LoopConfig is the config block for LOOP steps.
// The item variable lives in the execution's single shared variable map: the
// value bound by the last iteration is still visible after the loop.
type LoopConfig struct {
	Collection    string   `json:"collection" validate:"required"`
	ItemVariable  string   `json:"item_variable,omitempty"` // default: item
	MaxIterations *int     `json:"max_iterations,omitempty"`
	Body          []string `json:"body,omitempty"` // step ids run once per iteration
}

// WaitConfig is the config block for WAIT steps. Duration and Until are Go durations
// and expr-lang expressions respectively.
type WaitConfig struct {
	Duration     string `json:"duration,omitempty"`
	Until        string `json:"until,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"` // default: 1s
	Timeout      string `json:"timeout,omitempty"`       // default: 1h
}

// ApprovalConfig is the config block for APPROVAL steps.
// Only the first approver is assigned; RequiredApprovals > 1 is not enforced.
type ApprovalConfig struct {
	Approvers         []string `json:"approvers" validate:"min=1,dive,required"`
	RequiredApprovals int      `json:"required_approvals,omitempty" validate:"gte=0"`
	TimeoutHours      float64  `json:"timeout_hours,omitempty" validate:"gte=0"`
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Triggers = CloneTriggers(w.Triggers)
	c.Steps = CloneSteps(w.Steps)
	c.Variables = CloneMap(w.Variables)
	c.Tags = append([]string(nil), w.Tags...)
	return &c
}

// CloneTriggers deep-copies a trigger list.
func CloneTriggers(in []Trigger) []Trigger {
	if in == nil {
		return nil
	}
	out := make([]Trigger, len(in))
	for i, t := range in {
		t.Conditions = cloneConditions(t.Conditions)
		out[i] = t
	}
	return out
}

// CloneSteps deep-copies a step list including the per-kind config blocks.
func CloneSteps(in []Step) []Step {
	if in == nil {
		return nil
	}
	out := make([]Step, len(in))
	for i, s := range in {
		if s.Action != nil {
			a := *s.Action
			a.Config = CloneMap(s.Action.Config)
			s.Action = &a
		}
		s.Conditions = cloneConditions(s.Conditions)
		s.ParallelSteps = append([]string(nil), s.ParallelSteps...)
		if s.Loop != nil {
			l := *s.Loop
			if l.MaxIterations != nil {
				n := *l.MaxIterations
				l.MaxIterations = &n
			}
			l.Body = append([]string(nil), l.Body...)
			s.Loop = &l
		}
		if s.Wait != nil {
			w := *s.Wait
			s.Wait = &w
		}
		if s.Approval != nil {
			a := *s.Approval
			a.Approvers = append([]string(nil), a.Approvers...)
			s.Approval = &a
		}
		out[i] = s
	}
	return out
}

func cloneConditions(in []Condition) []Condition {
	if in == nil {
		return nil
	}
	out := make([]Condition, len(in))
	for i, c := range in {
		c.Value = cloneValue(c.Value)
		out[i] = c
	}
	return out
}
