package flows

import (
	"context"
	"fmt"
	"time"

	"github.com/smallnest/gradeflow/fault"
	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/log"
	"github.com/smallnest/gradeflow/worker"
)

// BatchGrading node names.
const (
	NodeDetectBoundaries  = "detect_student_boundaries"
	NodeConfirmBoundaries = "confirm_boundaries"
	NodeDispatchSlices    = "dispatch_slices"
)

// BatchServices bundles the BatchGrading collaborators.
type BatchServices struct {
	Detector BoundaryDetector
	Starter  RunStarter

	// BoundaryThreshold routes batches with any boundary confidence below it
	// to teacher confirmation. Default 0.75.
	BoundaryThreshold float64

	Retry  *graph.RetryPolicy
	Logger log.Logger
}

func (s *BatchServices) withDefaults() *BatchServices {
	out := *s
	if out.BoundaryThreshold <= 0 {
		out.BoundaryThreshold = 0.75
	}
	if out.Retry == nil {
		out.Retry = graph.DefaultRetryPolicy()
	}
	if out.Logger == nil {
		out.Logger = log.Nop{}
	}
	return &out
}

// NewBatchGradingGraph builds the batch pipeline:
//
//	detect_student_boundaries -> confirm_boundaries | dispatch_slices
//	confirm_boundaries -> dispatch_slices | END (on reject)
//	dispatch_slices -> END
//
// Each confirmed slice becomes a nested ExamPaper run started through the
// orchestrator under a derived idempotency key, so re-running the dispatch
// node after a crash never duplicates children.
func NewBatchGradingGraph(svc *BatchServices) *graph.StateGraph[BatchState] {
	s := svc.withDefaults()

	g := graph.NewStateGraph[BatchState](BatchSchema{})

	g.AddNode(NodeDetectBoundaries, "partition the scan stream per student", s.detectBoundaries)
	g.AddNode(NodeConfirmBoundaries, "suspend for teacher confirmation", s.confirmBoundaries)
	g.AddNode(NodeDispatchSlices, "start one ExamPaper run per slice", s.dispatchSlices)

	g.SetEntryPoint(NodeDetectBoundaries)
	g.AddConditionalEdge(NodeDetectBoundaries, s.boundaryCheck)
	g.AddConditionalEdge(NodeConfirmBoundaries, s.afterConfirm)
	g.AddEdge(NodeDispatchSlices, graph.END)

	return g
}

func (s *BatchServices) detectBoundaries(ctx context.Context, st BatchState) (graph.Result[BatchState], error) {
	var zero graph.Result[BatchState]

	boundaries, err := graph.Retry(ctx, s.Retry, func(ctx context.Context) ([]StudentBoundary, error) {
		return s.Detector.DetectBoundaries(ctx, st.FileRefs)
	})
	if err != nil {
		return zero, fmt.Errorf("boundary detection failed: %w", err)
	}

	s.Logger.Info("batch %s: detected %d student slices", st.BatchID, len(boundaries))
	return graph.Update(BatchState{
		Boundaries: boundaries,
		Attempts:   1,
		Stage:      "boundaries_detected",
		Fraction:   0.4,
	}), nil
}

// boundaryCheck routes to confirmation when any boundary is uncertain.
func (s *BatchServices) boundaryCheck(ctx context.Context, st BatchState) string {
	for _, b := range st.Boundaries {
		if b.Confidence < s.BoundaryThreshold {
			return NodeConfirmBoundaries
		}
	}
	return NodeDispatchSlices
}

// confirmBoundaries suspends until the teacher approves, corrects or rejects
// the detected slices.
func (s *BatchServices) confirmBoundaries(ctx context.Context, st BatchState) (graph.Result[BatchState], error) {
	var zero graph.Result[BatchState]

	resume, err := graph.Interrupt(ctx, map[string]any{
		"needs_confirmation": true,
		"boundaries":         st.Boundaries,
	})
	if err != nil {
		return zero, err
	}

	action, overrides, err := parseReviewSignal(resume)
	if err != nil {
		return zero, err
	}

	switch action {
	case ReviewApprove:
		return graph.Update(BatchState{Confirmed: true, Attempts: 1, Stage: "confirmed", Fraction: 0.5}), nil

	case ReviewOverride:
		boundaries, err := decodeBoundaries(overrides["boundaries"])
		if err != nil {
			return zero, err
		}
		return graph.Update(BatchState{
			Boundaries: boundaries,
			Confirmed:  true,
			Attempts:   1,
			Stage:      "confirmed",
			Fraction:   0.5,
		}), nil

	case ReviewReject:
		return graph.Goto(graph.END, BatchState{Rejected: true, Attempts: 1, Stage: "rejected", Fraction: 1.0}), nil

	default:
		return zero, fault.Invalid(fmt.Errorf("unknown confirmation action %q", action))
	}
}

func (s *BatchServices) afterConfirm(ctx context.Context, st BatchState) string {
	if st.Rejected {
		return graph.END
	}
	return NodeDispatchSlices
}

// dispatchSlices starts a child ExamPaper run per slice. The derived
// idempotency key makes the node safe to re-run: a replay after a crash
// converges on the same child run IDs.
func (s *BatchServices) dispatchSlices(ctx context.Context, st BatchState) (graph.Result[BatchState], error) {
	var zero graph.Result[BatchState]

	parentRunID, _ := worker.RunIDFrom(ctx)

	childIDs := make([]string, 0, len(st.Boundaries))
	for i, b := range st.Boundaries {
		payload := map[string]any{
			"submission_id": b.StudentID,
			"file_refs":     toAnySlice(b.FileRefs),
			"rubric":        st.Rubric,
		}
		key := fmt.Sprintf("batch:%s:%d", parentRunID, i)

		childID, err := s.Starter.StartRun(ctx, GraphExamPaper, payload, key)
		if err != nil {
			return zero, fmt.Errorf("failed to start child run for student %s: %w", b.StudentID, err)
		}
		childIDs = append(childIDs, childID)
	}

	s.Logger.Info("batch %s: dispatched %d child runs", st.BatchID, len(childIDs))
	return graph.Update(BatchState{
		ChildRunIDs: childIDs,
		Attempts:    1,
		Stage:       "dispatched",
		Fraction:    1.0,
	}), nil
}

func decodeBoundaries(v any) ([]StudentBoundary, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fault.Invalid(fmt.Errorf("boundary override has unexpected shape %T", v))
	}

	boundaries := make([]StudentBoundary, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fault.Invalid(fmt.Errorf("boundary entry has unexpected shape %T", item))
		}
		b := StudentBoundary{Confidence: 1.0} // teacher-confirmed
		b.StudentID, _ = m["student_id"].(string)
		if refs, ok := m["file_refs"].([]any); ok {
			for _, r := range refs {
				if ref, ok := r.(string); ok {
					b.FileRefs = append(b.FileRefs, ref)
				}
			}
		}
		boundaries = append(boundaries, b)
	}
	return boundaries, nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

// errorRecord is a small helper shared by the batch and upgrade nodes.
func errorRecord(node, msg string) ErrorRecord {
	return ErrorRecord{Node: node, Message: msg, At: time.Now().UTC()}
}
