package flows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/gradeflow/fault"
	"github.com/smallnest/gradeflow/store"
	"github.com/smallnest/gradeflow/store/memory"
	"github.com/smallnest/gradeflow/worker"
)

func TestCatalogRegistersAllGraphs(t *testing.T) {
	st := memory.NewMemoryStore()
	reg := worker.NewRegistry()

	grader := &stubGrader{fn: func(ref string, attempt int) (GradingResult, error) {
		return gradedResult(4, 0.95), nil
	}}
	catalog := &Catalog{
		Exam: &ExamServices{
			Layout:      &stubLayout{},
			Grader:      grader,
			Persistence: &stubPersistence{},
			Notifier:    &stubNotifier{},
			Hasher:      stubHasher{},
		},
		Batch:   &BatchServices{Detector: &stubDetector{}, Starter: newStubStarter()},
		Upgrade: &UpgradeServices{Toolkit: &stubToolkit{}},
	}
	require.NoError(t, catalog.Register(reg, st))

	for _, name := range []string{GraphExamPaper, GraphBatchGrading, GraphRuleUpgrade} {
		assert.True(t, reg.HasGraph(name), name)
	}
}

func TestExamRunnerMapsRejectionToError(t *testing.T) {
	grader := &stubGrader{fn: func(ref string, attempt int) (GradingResult, error) {
		return gradedResult(1, 0.10), nil
	}}
	h := newExamHarness(t, grader, region("q1", 5))
	runner := examRunner(h.engine)

	run := &store.Run{
		ID:        "r1",
		GraphName: GraphExamPaper,
		InputPayload: map[string]any{
			"submission_id": "s1",
			"file_refs":     []any{"page1.png"},
			"rubric":        map[string]any{"q1": "full marks for 42"},
		},
	}

	res, err := runner.Run(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, res.Status)

	run.ResumePayload = reviewSignal(ReviewReject, nil)
	_, err = runner.Run(context.Background(), run)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestExamRunnerEncodesOutput(t *testing.T) {
	grader := &stubGrader{fn: func(ref string, attempt int) (GradingResult, error) {
		return gradedResult(4, 0.95), nil
	}}
	h := newExamHarness(t, grader, region("q1", 5))
	runner := examRunner(h.engine)

	run := &store.Run{
		ID:        "r1",
		GraphName: GraphExamPaper,
		InputPayload: map[string]any{
			"submission_id": "s1",
			"file_refs":     []any{"page1.png"},
			"rubric":        map[string]any{"q1": "full marks for 42"},
		},
	}

	res, err := runner.Run(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, res.Status)
	assert.Equal(t, "s1", res.Output["submission_id"])
	assert.Equal(t, 4.0, res.Output["total_score"])
	assert.Equal(t, false, res.Output["rejected"])
}

func TestDecodeExamInputValidation(t *testing.T) {
	_, err := decodeExamInput(map[string]any{"file_refs": []any{"p.png"}})
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))

	_, err = decodeExamInput(map[string]any{"submission_id": "s1"})
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))

	st, err := decodeExamInput(map[string]any{
		"submission_id": "s1",
		"file_refs":     []any{"p.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", st.SubmissionID)
	assert.Equal(t, []string{"p.png"}, st.FileRefs)
}

func TestDecodeBatchInputValidation(t *testing.T) {
	_, err := decodeBatchInput(map[string]any{"file_refs": []any{"p.png"}})
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))

	st, err := decodeBatchInput(map[string]any{
		"batch_id":  "b1",
		"file_refs": []any{"p.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "b1", st.BatchID)
}

func TestDecodeUpgradeInputValidation(t *testing.T) {
	_, err := decodeUpgradeInput(map[string]any{})
	assert.Equal(t, fault.KindInvalid, fault.KindOf(err))

	st, err := decodeUpgradeInput(map[string]any{"rule_set_id": "rs1"})
	require.NoError(t, err)
	assert.Equal(t, "rs1", st.RuleSetID)
}

func TestExamSchemaMerge(t *testing.T) {
	s := ExamSchema{}

	base, err := s.Merge(s.Zero(), ExamState{
		SubmissionID:   "s1",
		GradingResults: []GradingResult{{QuestionID: "q1", Score: 2}},
		Attempts:       1,
	})
	require.NoError(t, err)

	// Lists append, counters add.
	next, err := s.Merge(base, ExamState{
		GradingResults: []GradingResult{{QuestionID: "q2", Score: 3}},
		Attempts:       1,
	})
	require.NoError(t, err)
	assert.Len(t, next.GradingResults, 2)
	assert.Equal(t, 2, next.Attempts)

	// A replace delta substitutes the whole list.
	replaced, err := s.Merge(next, ExamState{
		ReplaceResults: []GradingResult{{QuestionID: "q1", Score: 5}},
	})
	require.NoError(t, err)
	require.Len(t, replaced.GradingResults, 1)
	assert.Equal(t, 5.0, replaced.GradingResults[0].Score)
	assert.Nil(t, replaced.ReplaceResults)

	// Aggregate scalars only move under the Aggregated flag, so a partial
	// delta cannot zero them.
	agg, err := s.Merge(replaced, ExamState{Aggregated: true, TotalScore: 5, MinConfidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 5.0, agg.TotalScore)

	same, err := s.Merge(agg, ExamState{Attempts: 1})
	require.NoError(t, err)
	assert.Equal(t, 5.0, same.TotalScore)
	assert.Equal(t, 0.9, same.MinConfidence)
}

func TestQuestionTypeEffective(t *testing.T) {
	assert.Equal(t, QuestionObjective, QuestionObjective.Effective())
	assert.Equal(t, QuestionEssay, QuestionUnknown.Effective())
	assert.Equal(t, QuestionEssay, QuestionType("SOMETHING_NEW").Effective())
}
