package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/bizflow/pkg/schema"
)

var knownOperators = map[schema.Operator]bool{
	schema.OpEquals: true, schema.OpNotEquals: true, schema.OpGreaterThan: true, schema.OpLessThan: true,
	schema.OpContains: true, schema.OpNotContains: true, schema.OpStartsWith: true, schema.OpEndsWith: true,
	schema.OpIn: true, schema.OpNotIn: true, schema.OpIsNull: true, schema.OpIsNotNull: true,
	schema.OpMatchesRegex: true,
}

// checkSemantic verifies what struct tags cannot: every step reference
// resolves, each step carries the config of its kind, and triggers are usable.
// References are never auto-corrected.
func (v *Validator) checkSemantic(steps []schema.Step, triggers []schema.Trigger) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	byID := make(map[string]schema.Step, len(steps))
	for i, s := range steps {
		if _, dup := byID[s.ID]; dup {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
			continue
		}
		byID[s.ID] = s
	}

	for i := range steps {
		v.checkStep(&steps[i], fmt.Sprintf("steps[%d]", i), byID, result)
	}

	webhooks := make(map[string]bool)
	for i := range triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		v.checkTrigger(&triggers[i], path, result)
		if p := triggers[i].WebhookPath; triggers[i].Type == schema.TriggerWebhook && p != "" {
			if webhooks[p] {
				result.AddError(path+".webhook_path", schema.ErrCodeConflict,
					fmt.Sprintf("webhook path %q is declared twice", p))
			}
			webhooks[p] = true
		}
	}
	return result
}

func (v *Validator) checkStep(step *schema.Step, path string, byID map[string]schema.Step, result *schema.ValidationResult) {
	ref := func(field, target string) {
		if target == "" {
			return
		}
		if _, ok := byID[target]; !ok {
			result.AddError(path+"."+field, schema.ErrCodeValidation,
				fmt.Sprintf("step %q references non-existent step %q", step.Name, target))
		}
	}
	ref("next_step", step.NextStep)
	ref("error_goto_step", step.ErrorGotoStep)

	if step.OnError == schema.OnErrorGoto && step.ErrorGotoStep == "" {
		result.AddError(path+".error_goto_step", schema.ErrCodeValidation,
			fmt.Sprintf("step %q uses GOTO on error without error_goto_step", step.Name))
	}

	checkConditions(step.Conditions, path+".conditions", result)

	switch step.Type {
	case schema.StepTypeAction:
		if step.Action == nil {
			result.AddError(path+".action", schema.ErrCodeValidation, fmt.Sprintf("ACTION step %q has no action", step.Name))
		} else if step.Action.Timeout != "" {
			checkDuration(step.Action.Timeout, path+".action.timeout", result)
		}
	case schema.StepTypeCondition:
		ref("true_branch", step.TrueBranch)
		ref("false_branch", step.FalseBranch)
		if len(step.Conditions) == 0 {
			result.AddWarning(path+".conditions", schema.ErrCodeValidation,
				fmt.Sprintf("CONDITION step %q has no conditions and always takes the true branch", step.Name))
		}
	case schema.StepTypeParallel:
		if len(step.ParallelSteps) == 0 {
			result.AddError(path+".parallel_steps", schema.ErrCodeValidation,
				fmt.Sprintf("PARALLEL step %q has no parallel_steps", step.Name))
		}
		for j, id := range step.ParallelSteps {
			ref(fmt.Sprintf("parallel_steps[%d]", j), id)
			checkNestable(step, id, fmt.Sprintf("%s.parallel_steps[%d]", path, j), byID, result)
		}
	case schema.StepTypeLoop:
		if step.Loop == nil {
			result.AddError(path+".loop", schema.ErrCodeValidation, fmt.Sprintf("LOOP step %q has no loop config", step.Name))
			return
		}
		for j, id := range step.Loop.Body {
			ref(fmt.Sprintf("loop.body[%d]", j), id)
			checkNestable(step, id, fmt.Sprintf("%s.loop.body[%d]", path, j), byID, result)
		}
		if step.Loop.MaxIterations != nil && *step.Loop.MaxIterations < 0 {
			result.AddError(path+".loop.max_iterations", schema.ErrCodeValidation, "max_iterations must not be negative")
		}
	case schema.StepTypeWait:
		w := step.Wait
		if w == nil || (w.Duration == "" && w.Until == "") {
			result.AddError(path+".wait", schema.ErrCodeValidation,
				fmt.Sprintf("WAIT step %q needs a duration or an until expression", step.Name))
			return
		}
		checkDuration(w.Duration, path+".wait.duration", result)
		checkDuration(w.PollInterval, path+".wait.poll_interval", result)
		checkDuration(w.Timeout, path+".wait.timeout", result)
		if w.Until != "" {
			if err := v.exprs.Compile(w.Until); err != nil {
				result.AddError(path+".wait.until", schema.ErrCodeValidation, schema.Message(err))
			}
		}
	case schema.StepTypeApproval:
		if step.Approval == nil {
			result.AddError(path+".approval", schema.ErrCodeValidation,
				fmt.Sprintf("APPROVAL step %q has no approval config", step.Name))
			return
		}
		if n := step.Approval.RequiredApprovals; n > 1 {
			result.AddWarning(path+".approval.required_approvals", schema.ErrCodeValidation,
				fmt.Sprintf("required_approvals=%d is not enforced; the first approver decides", n))
		}
	}
}

// checkNestable rejects children a PARALLEL or LOOP step cannot run.
func checkNestable(owner *schema.Step, id, path string, byID map[string]schema.Step, result *schema.ValidationResult) {
	if id == owner.ID {
		result.AddError(path, schema.ErrCodeCycleDetected, fmt.Sprintf("step %q contains itself", owner.Name))
		return
	}
	if child, ok := byID[id]; ok && child.Type == schema.StepTypeApproval {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("approval step %q cannot run inside %s step %q", child.Name, owner.Type, owner.Name))
	}
}

func (v *Validator) checkTrigger(t *schema.Trigger, path string, result *schema.ValidationResult) {
	switch t.Type {
	case schema.TriggerEvent:
		if strings.TrimSpace(t.Event) == "" {
			result.AddError(path+".event", schema.ErrCodeValidation, "EVENT trigger requires an event name")
		}
		checkConditions(t.Conditions, path+".conditions", result)
	case schema.TriggerSchedule:
		if _, err := CronParser.Parse(t.Schedule); err != nil {
			result.AddError(path+".schedule", schema.ErrCodeValidation,
				fmt.Sprintf("invalid schedule %q: %v", t.Schedule, err))
		}
	case schema.TriggerWebhook:
		if !strings.HasPrefix(t.WebhookPath, "/") {
			result.AddError(path+".webhook_path", schema.ErrCodeValidation,
				fmt.Sprintf("webhook path %q must start with /", t.WebhookPath))
		}
		if t.PayloadSchema != "" {
			if err := v.docs.CompilePayloadSchema(t.PayloadSchema); err != nil {
				result.AddError(path+".payload_schema", schema.ErrCodeValidation, "invalid payload schema: "+err.Error())
			}
		}
	case schema.TriggerCondition:
		if err := v.cel.Compile(t.Expression); err != nil {
			result.AddError(path+".expression", schema.ErrCodeValidation, schema.Message(err))
		}
	}
}

func checkConditions(conds []schema.Condition, path string, result *schema.ValidationResult) {
	for i, c := range conds {
		if !knownOperators[c.Operator] {
			result.AddError(fmt.Sprintf("%s[%d].operator", path, i), schema.ErrCodeValidation,
				fmt.Sprintf("unknown operator %q", c.Operator))
		}
	}
}

func checkDuration(s, path string, result *schema.ValidationResult) {
	if s == "" {
		return
	}
	if d, err := time.ParseDuration(s); err != nil || d < 0 {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", s))
	}
}
