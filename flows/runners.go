package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/smallnest/gradeflow/fault"
	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/store"
	"github.com/smallnest/gradeflow/worker"
)

// ErrRejected marks a run whose reviewer rejected the results. The worker
// records it as a FAILED run.
var ErrRejected = errors.New("rejected by reviewer")

// Catalog wires the three graphs into runners over a shared store.
type Catalog struct {
	Exam    *ExamServices
	Batch   *BatchServices
	Upgrade *UpgradeServices

	// EngineOptions is the template for every engine. CancelCheck is filled
	// in from the store.
	EngineOptions graph.Options
}

// Register builds the engines and registers a runner per graph name.
func (c *Catalog) Register(reg *worker.Registry, st store.Store) error {
	opts := c.EngineOptions
	opts.CancelCheck = worker.CancelCheck(st)

	examEngine, err := graph.NewEngine(NewExamPaperGraph(c.Exam), st, opts)
	if err != nil {
		return fmt.Errorf("build ExamPaper engine: %w", err)
	}
	reg.Register(GraphExamPaper, examRunner(examEngine))

	batchEngine, err := graph.NewEngine(NewBatchGradingGraph(c.Batch), st, opts)
	if err != nil {
		return fmt.Errorf("build BatchGrading engine: %w", err)
	}
	reg.Register(GraphBatchGrading, batchRunner(batchEngine))

	upgradeEngine, err := graph.NewEngine(NewRuleUpgradeGraph(c.Upgrade), st, opts)
	if err != nil {
		return fmt.Errorf("build RuleUpgrade engine: %w", err)
	}
	reg.Register(GraphRuleUpgrade, worker.NewEngineRunner(upgradeEngine, decodeUpgradeInput, encodeUpgradeOutput))

	return nil
}

// examRunner adapts the ExamPaper engine, mapping reviewer rejection to a
// run failure.
func examRunner(engine *graph.Engine[ExamState]) worker.Runner {
	base := worker.NewEngineRunner(engine, decodeExamInput, encodeExamOutput)
	return worker.RunnerFunc(func(ctx context.Context, run *store.Run) (*worker.RunResult, error) {
		res, err := base.Run(ctx, run)
		if err != nil {
			return nil, err
		}
		if res.Status == store.StatusCompleted {
			if rejected, _ := res.Output["rejected"].(bool); rejected {
				return nil, ErrRejected
			}
		}
		return res, nil
	})
}

func batchRunner(engine *graph.Engine[BatchState]) worker.Runner {
	base := worker.NewEngineRunner(engine, decodeBatchInput, encodeBatchOutput)
	return worker.RunnerFunc(func(ctx context.Context, run *store.Run) (*worker.RunResult, error) {
		res, err := base.Run(ctx, run)
		if err != nil {
			return nil, err
		}
		if res.Status == store.StatusCompleted {
			if rejected, _ := res.Output["rejected"].(bool); rejected {
				return nil, ErrRejected
			}
		}
		return res, nil
	})
}

func decodeExamInput(payload map[string]any) (ExamState, error) {
	var st ExamState
	if err := remarshal(payload, &st); err != nil {
		return st, fault.Invalid(err)
	}
	if st.SubmissionID == "" {
		return st, fault.Invalid(errors.New("payload missing submission_id"))
	}
	if len(st.FileRefs) == 0 {
		return st, fault.Invalid(errors.New("payload missing file_refs"))
	}
	return st, nil
}

func encodeExamOutput(st ExamState) map[string]any {
	return map[string]any{
		"submission_id":   st.SubmissionID,
		"total_score":     st.TotalScore,
		"max_total_score": st.MaxTotalScore,
		"min_confidence":  st.MinConfidence,
		"grading_results": st.GradingResults,
		"rejected":        st.Rejected,
		"errors":          st.Errors,
	}
}

func decodeBatchInput(payload map[string]any) (BatchState, error) {
	var st BatchState
	if err := remarshal(payload, &st); err != nil {
		return st, fault.Invalid(err)
	}
	if st.BatchID == "" {
		return st, fault.Invalid(errors.New("payload missing batch_id"))
	}
	if len(st.FileRefs) == 0 {
		return st, fault.Invalid(errors.New("payload missing file_refs"))
	}
	return st, nil
}

func encodeBatchOutput(st BatchState) map[string]any {
	return map[string]any{
		"batch_id":      st.BatchID,
		"boundaries":    st.Boundaries,
		"child_run_ids": st.ChildRunIDs,
		"rejected":      st.Rejected,
		"errors":        st.Errors,
	}
}

func decodeUpgradeInput(payload map[string]any) (UpgradeState, error) {
	var st UpgradeState
	if err := remarshal(payload, &st); err != nil {
		return st, fault.Invalid(err)
	}
	if st.RuleSetID == "" {
		return st, fault.Invalid(errors.New("payload missing rule_set_id"))
	}
	return st, nil
}

func encodeUpgradeOutput(st UpgradeState) map[string]any {
	return map[string]any{
		"rule_set_id": st.RuleSetID,
		"deployed":    st.Deployed,
		"healthy":     st.Healthy,
		"rolled_back": st.RolledBack,
		"rejected":    st.Rejected,
		"errors":      st.Errors,
	}
}

// remarshal converts a payload map into a typed state via JSON.
func remarshal(in map[string]any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("payload not serializable: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("payload does not match state shape: %w", err)
	}
	return nil
}
