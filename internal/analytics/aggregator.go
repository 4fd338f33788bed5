// Package analytics folds a workflow's execution history into a rollup.
package analytics

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/bizflow/internal/store"
	"github.com/rendis/bizflow/pkg/schema"
)

// bottleneckCount is how many of the slowest steps are reported.
const bottleneckCount = 3

// Aggregator recomputes analytics from the full execution history on every call.
type Aggregator struct {
	executions store.ExecutionStore
	logger     *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(executions store.ExecutionStore, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{executions: executions, logger: logger.With("module", "analytics")}
}

// GetAnalytics summarises every execution of the workflow. Executions of all
// versions are included; steps are grouped by name since ids change per version.
func (a *Aggregator) GetAnalytics(ctx context.Context, workflowID string) (*schema.WorkflowAnalytics, error) {
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow id is required")
	}
	execs, err := a.executions.ListExecutions(ctx, schema.ExecutionFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list executions").WithCause(err)
	}
	out := Summarize(workflowID, execs)
	a.logger.DebugContext(ctx, "analytics computed",
		slog.String("workflow_id", workflowID), slog.Int("executions", out.TotalExecutions))
	return out, nil
}

type stepAcc struct {
	id         string
	name       string
	executions int
	failures   int
	timed      int
	total      time.Duration
}

// Summarize is the pure fold behind GetAnalytics.
func Summarize(workflowID string, execs []*schema.Execution) *schema.WorkflowAnalytics {
	out := &schema.WorkflowAnalytics{
		WorkflowID:      workflowID,
		TotalExecutions: len(execs),
		ExecutionsByDay: []schema.DayCount{},
		StepStats:       []schema.StepStat{},
		Bottlenecks:     []schema.StepStat{},
	}

	var (
		completedTime  time.Duration
		completedTimed int
		days           = make(map[string]int)
		steps          = make(map[string]*stepAcc)
	)
	for _, exec := range execs {
		switch exec.Status {
		case schema.ExecutionCompleted:
			out.SuccessfulExecutions++
			if exec.CompletedAt != nil {
				completedTime += exec.CompletedAt.Sub(exec.StartedAt)
				completedTimed++
			}
		case schema.ExecutionFailed:
			out.FailedExecutions++
		case schema.ExecutionCancelled:
			out.CancelledExecutions++
		}
		days[exec.StartedAt.UTC().Format(time.DateOnly)]++

		for i := range exec.StepResults {
			r := &exec.StepResults[i]
			if r.Status != schema.StepCompleted && r.Status != schema.StepFailed {
				continue
			}
			acc, ok := steps[r.StepName]
			if !ok {
				acc = &stepAcc{name: r.StepName}
				steps[r.StepName] = acc
			}
			acc.id = r.StepID
			acc.executions++
			if r.Status == schema.StepFailed {
				acc.failures++
			}
			if d, ok := r.Duration(); ok {
				acc.total += d
				acc.timed++
			}
		}
	}

	if out.TotalExecutions > 0 {
		out.SuccessRate = float64(out.SuccessfulExecutions) / float64(out.TotalExecutions) * 100
	}
	if completedTimed > 0 {
		out.AverageDurationMs = ms(completedTime) / float64(completedTimed)
	}

	for day, n := range days {
		out.ExecutionsByDay = append(out.ExecutionsByDay, schema.DayCount{Date: day, Count: n})
	}
	sort.Slice(out.ExecutionsByDay, func(i, j int) bool { return out.ExecutionsByDay[i].Date < out.ExecutionsByDay[j].Date })

	for _, acc := range steps {
		stat := schema.StepStat{
			StepID:      acc.id,
			StepName:    acc.name,
			Executions:  acc.executions,
			Failures:    acc.failures,
			FailureRate: float64(acc.failures) / float64(acc.executions),
		}
		if acc.timed > 0 {
			stat.AverageDurationMs = ms(acc.total) / float64(acc.timed)
		}
		out.StepStats = append(out.StepStats, stat)
	}
	sort.Slice(out.StepStats, func(i, j int) bool { return out.StepStats[i].StepName < out.StepStats[j].StepName })

	out.Bottlenecks = append(out.Bottlenecks, out.StepStats...)
	sort.SliceStable(out.Bottlenecks, func(i, j int) bool {
		return out.Bottlenecks[i].AverageDurationMs > out.Bottlenecks[j].AverageDurationMs
	})
	if len(out.Bottlenecks) > bottleneckCount {
		out.Bottlenecks = out.Bottlenecks[:bottleneckCount]
	}
	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
