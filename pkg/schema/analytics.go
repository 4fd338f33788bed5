package schema

// WorkflowAnalytics is a rollup over a workflow's execution history.
type WorkflowAnalytics struct {
	WorkflowID           string     `json:"workflow_id"`
	TotalExecutions      int        `json:"total_executions"`
	SuccessfulExecutions int        `json:"successful_executions"`
	FailedExecutions     int        `json:"failed_executions"`
	CancelledExecutions  int        `json:"cancelled_executions"`
	SuccessRate          float64    `json:"success_rate"`
	AverageDurationMs    float64    `json:"average_duration_ms"`
	ExecutionsByDay      []DayCount `json:"executions_by_day"`
	StepStats            []StepStat `json:"step_stats"`
	Bottlenecks          []StepStat `json:"bottlenecks"`
}

// DayCount is the number of executions started on one ISO date (UTC).
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// StepStat aggregates one step across executions.
type StepStat struct {
	StepID            string  `json:"step_id"`
	StepName          string  `json:"step_name"`
	Executions        int     `json:"executions"`
	Failures          int     `json:"failures"`
	AverageDurationMs float64 `json:"average_duration_ms"`
	FailureRate       float64 `json:"failure_rate"`
}
