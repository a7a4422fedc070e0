package flows

import (
	"context"
	"fmt"

	"github.com/smallnest/gradeflow/fault"
	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/log"
)

// RuleUpgrade node names.
const (
	NodeMine           = "mine"
	NodeGenerate       = "generate"
	NodeRegressionTest = "regression_test"
	NodeApprovalGate   = "approval_gate"
	NodeDeploy         = "deploy"
	NodeMonitor        = "monitor"
	NodeRollback       = "rollback"
)

// UpgradeServices bundles the RuleUpgrade collaborators.
type UpgradeServices struct {
	Toolkit RuleToolkit
	Retry   *graph.RetryPolicy
	Logger  log.Logger
}

func (s *UpgradeServices) withDefaults() *UpgradeServices {
	out := *s
	if out.Retry == nil {
		out.Retry = graph.DefaultRetryPolicy()
	}
	if out.Logger == nil {
		out.Logger = log.Nop{}
	}
	return &out
}

// NewRuleUpgradeGraph builds the linear multi-hour rule pipeline:
//
//	mine -> generate -> regression_test -> approval_gate -> deploy -> monitor
//	monitor -> END | rollback -> END
//
// Node logic lives in the external toolkit; the graph contributes durable
// sequencing, so a worker crash anywhere resumes at the last finished stage.
func NewRuleUpgradeGraph(svc *UpgradeServices) *graph.StateGraph[UpgradeState] {
	s := svc.withDefaults()

	g := graph.NewStateGraph[UpgradeState](UpgradeSchema{})

	g.AddNode(NodeMine, "mine candidate rules from grading history", s.mine)
	g.AddNode(NodeGenerate, "generate upgraded rule set", s.generate)
	g.AddNode(NodeRegressionTest, "replay historical submissions", s.regressionTest)
	g.AddNode(NodeApprovalGate, "suspend for operator approval", s.approvalGate)
	g.AddNode(NodeDeploy, "roll the rule set out", s.deploy)
	g.AddNode(NodeMonitor, "watch post-deploy health", s.monitor)
	g.AddNode(NodeRollback, "revert to the previous rule set", s.rollback)

	g.SetEntryPoint(NodeMine)
	g.AddEdge(NodeMine, NodeGenerate)
	g.AddEdge(NodeGenerate, NodeRegressionTest)
	g.AddEdge(NodeRegressionTest, NodeApprovalGate)
	g.AddConditionalEdge(NodeApprovalGate, s.afterApproval)
	g.AddEdge(NodeDeploy, NodeMonitor)
	g.AddConditionalEdge(NodeMonitor, s.healthCheck)
	g.AddEdge(NodeRollback, graph.END)

	return g
}

func (s *UpgradeServices) mine(ctx context.Context, st UpgradeState) (graph.Result[UpgradeState], error) {
	var zero graph.Result[UpgradeState]

	mined, err := graph.Retry(ctx, s.Retry, func(ctx context.Context) (map[string]any, error) {
		return s.Toolkit.Mine(ctx, st.RuleSetID)
	})
	if err != nil {
		return zero, fmt.Errorf("rule mining failed: %w", err)
	}

	return graph.Update(UpgradeState{
		Artifacts: map[string]any{"mined": mined},
		Attempts:  1,
		Stage:     "mined",
		Fraction:  0.2,
	}), nil
}

func (s *UpgradeServices) generate(ctx context.Context, st UpgradeState) (graph.Result[UpgradeState], error) {
	var zero graph.Result[UpgradeState]

	mined, _ := st.Artifacts["mined"].(map[string]any)
	generated, err := graph.Retry(ctx, s.Retry, func(ctx context.Context) (map[string]any, error) {
		return s.Toolkit.Generate(ctx, st.RuleSetID, mined)
	})
	if err != nil {
		return zero, fmt.Errorf("rule generation failed: %w", err)
	}

	return graph.Update(UpgradeState{
		Artifacts: map[string]any{"generated": generated},
		Attempts:  1,
		Stage:     "generated",
		Fraction:  0.4,
	}), nil
}

func (s *UpgradeServices) regressionTest(ctx context.Context, st UpgradeState) (graph.Result[UpgradeState], error) {
	var zero graph.Result[UpgradeState]

	generated, _ := st.Artifacts["generated"].(map[string]any)

	type testOutcome struct {
		passed bool
		report map[string]any
	}
	outcome, err := graph.Retry(ctx, s.Retry, func(ctx context.Context) (testOutcome, error) {
		passed, report, err := s.Toolkit.RegressionTest(ctx, st.RuleSetID, generated)
		return testOutcome{passed: passed, report: report}, err
	})
	if err != nil {
		return zero, fmt.Errorf("regression test failed to run: %w", err)
	}
	if !outcome.passed {
		return zero, fault.Permanent(fmt.Errorf("regression test rejected rule set %s", st.RuleSetID))
	}

	return graph.Update(UpgradeState{
		Artifacts:   map[string]any{"regression_report": outcome.report},
		TestsPassed: true,
		Attempts:    1,
		Stage:       "tested",
		Fraction:    0.6,
	}), nil
}

// approvalGate suspends the pipeline until an operator signs off.
func (s *UpgradeServices) approvalGate(ctx context.Context, st UpgradeState) (graph.Result[UpgradeState], error) {
	var zero graph.Result[UpgradeState]

	resume, err := graph.Interrupt(ctx, map[string]any{
		"rule_set_id":       st.RuleSetID,
		"regression_report": st.Artifacts["regression_report"],
	})
	if err != nil {
		return zero, err
	}

	action, _, err := parseReviewSignal(resume)
	if err != nil {
		return zero, err
	}

	switch action {
	case ReviewApprove:
		return graph.Update(UpgradeState{Approved: true, Attempts: 1, Stage: "approved", Fraction: 0.7}), nil
	case ReviewReject:
		return graph.Update(UpgradeState{Rejected: true, Attempts: 1, Stage: "rejected", Fraction: 1.0}), nil
	default:
		return zero, fault.Invalid(fmt.Errorf("unknown approval action %q", action))
	}
}

func (s *UpgradeServices) afterApproval(ctx context.Context, st UpgradeState) string {
	if st.Rejected {
		return graph.END
	}
	return NodeDeploy
}

func (s *UpgradeServices) deploy(ctx context.Context, st UpgradeState) (graph.Result[UpgradeState], error) {
	var zero graph.Result[UpgradeState]

	generated, _ := st.Artifacts["generated"].(map[string]any)
	_, err := graph.Retry(ctx, s.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.Toolkit.Deploy(ctx, st.RuleSetID, generated)
	})
	if err != nil {
		return zero, fmt.Errorf("deploy failed: %w", err)
	}

	s.Logger.Info("rule set %s deployed", st.RuleSetID)
	return graph.Update(UpgradeState{Deployed: true, Attempts: 1, Stage: "deployed", Fraction: 0.8}), nil
}

func (s *UpgradeServices) monitor(ctx context.Context, st UpgradeState) (graph.Result[UpgradeState], error) {
	var zero graph.Result[UpgradeState]

	healthy, err := graph.Retry(ctx, s.Retry, func(ctx context.Context) (bool, error) {
		return s.Toolkit.Monitor(ctx, st.RuleSetID)
	})
	if err != nil {
		return zero, fmt.Errorf("post-deploy monitoring failed: %w", err)
	}

	delta := UpgradeState{Healthy: healthy, Attempts: 1, Stage: "monitored", Fraction: 0.9}
	if !healthy {
		delta.Errors = []ErrorRecord{errorRecord(NodeMonitor, "post-deploy health check failed")}
	}
	return graph.Update(delta), nil
}

func (s *UpgradeServices) healthCheck(ctx context.Context, st UpgradeState) string {
	if st.Healthy {
		return graph.END
	}
	return NodeRollback
}

func (s *UpgradeServices) rollback(ctx context.Context, st UpgradeState) (graph.Result[UpgradeState], error) {
	var zero graph.Result[UpgradeState]

	_, err := graph.Retry(ctx, s.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.Toolkit.Rollback(ctx, st.RuleSetID)
	})
	if err != nil {
		return zero, fmt.Errorf("rollback failed: %w", err)
	}

	s.Logger.Warn("rule set %s rolled back", st.RuleSetID)
	return graph.Update(UpgradeState{RolledBack: true, Attempts: 1, Stage: "rolled_back", Fraction: 1.0}), nil
}
