package flows

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/smallnest/gradeflow/cache"
	"github.com/smallnest/gradeflow/fault"
	"github.com/smallnest/gradeflow/graph"
	"github.com/smallnest/gradeflow/log"
)

// ExamPaper node names.
const (
	NodeSegment       = "segment"
	NodeGradeFanout   = "grade_fanout_router"
	NodeGradeQuestion = "grade_question"
	NodeAggregate     = "aggregate"
	NodeWaitForReview = "wait_for_review"
	NodePersist       = "persist"
	NodeNotify        = "notify"
)

// AgentCache is the agent_type stamped on results served from the cache.
const AgentCache = "cache"

// ExamServices bundles the collaborators and thresholds of the ExamPaper
// graph. Cache may be nil to disable caching.
type ExamServices struct {
	Layout      LayoutAnalysis
	Grader      Grader
	Persistence Persistence
	Notifier    Notifier
	Hasher      ImageHasher
	Cache       cache.Cache[GradingResult]

	// ReviewThreshold routes runs with min_confidence below it to human
	// review. Default 0.75.
	ReviewThreshold float64

	// CacheThreshold is the minimum confidence for a result to be cached.
	// Default 0.90.
	CacheThreshold float64

	// GradeTimeout bounds each grading attempt. A hung grader counts as one
	// failed attempt, not a dead run. Default 120s.
	GradeTimeout time.Duration

	// SegmentTimeout bounds layout analysis, which runs much longer than a
	// single grading call. Default 300s.
	SegmentTimeout time.Duration

	// Retry overrides the grading retry policy. Default graph.DefaultRetryPolicy.
	Retry *graph.RetryPolicy

	Logger log.Logger
}

func (s *ExamServices) withDefaults() *ExamServices {
	out := *s
	if out.ReviewThreshold <= 0 {
		out.ReviewThreshold = 0.75
	}
	if out.CacheThreshold <= 0 {
		out.CacheThreshold = 0.90
	}
	if out.GradeTimeout <= 0 {
		out.GradeTimeout = 120 * time.Second
	}
	if out.SegmentTimeout <= 0 {
		out.SegmentTimeout = 300 * time.Second
	}
	if out.Retry == nil {
		out.Retry = graph.DefaultRetryPolicy()
	}
	if out.Cache == nil {
		out.Cache = cache.Nop[GradingResult]{}
	}
	if out.Logger == nil {
		out.Logger = log.Nop{}
	}
	return &out
}

// NewExamPaperGraph builds the ExamPaper grading graph:
//
//	segment -> grade_fanout_router -(Send xN)-> grade_question -> aggregate
//	aggregate -(review_check)-> wait_for_review | persist
//	wait_for_review -> persist | END (on reject)
//	persist -> notify -> END
func NewExamPaperGraph(svc *ExamServices) *graph.StateGraph[ExamState] {
	s := svc.withDefaults()

	g := graph.NewStateGraph[ExamState](ExamSchema{})

	g.AddNode(NodeSegment, "layout analysis over page images", s.segment,
		graph.WithTimeout[ExamState](s.SegmentTimeout))
	g.AddNode(NodeGradeFanout, "one Send per question region", s.gradeFanoutRouter)
	g.AddNode(NodeGradeQuestion, "grade a single region, cache-first", s.gradeQuestion,
		graph.WithTimeout[ExamState](s.gradeBudget()))
	g.AddNode(NodeAggregate, "fold grading results into totals", s.aggregate)
	g.AddNode(NodeWaitForReview, "suspend for human review", s.waitForReview)
	g.AddNode(NodePersist, "write results to durable storage", s.persist)
	g.AddNode(NodeNotify, "emit submission notification", s.notify)

	g.SetEntryPoint(NodeSegment)
	g.AddEdge(NodeSegment, NodeGradeFanout)
	g.AddEdge(NodeGradeQuestion, NodeAggregate)
	g.AddConditionalEdge(NodeAggregate, s.reviewCheck)
	g.AddConditionalEdge(NodeWaitForReview, s.afterReview)
	g.AddEdge(NodePersist, NodeNotify)
	g.AddEdge(NodeNotify, graph.END)

	return g
}

// segment runs layout analysis on every page. Exhausted retries here are
// fatal: without regions nothing downstream can proceed.
func (s *ExamServices) segment(ctx context.Context, st ExamState) (graph.Result[ExamState], error) {
	var zero graph.Result[ExamState]

	rubricHash := st.RubricHash
	if rubricHash == "" {
		h, err := cache.CanonicalRubricHash(st.Rubric)
		if err != nil {
			return zero, fault.Invalid(fmt.Errorf("rubric not hashable: %w", err))
		}
		rubricHash = h
	}

	var regions []QuestionRegion
	for _, ref := range st.FileRefs {
		pageRegions, err := graph.Retry(ctx, s.Retry, func(ctx context.Context) ([]QuestionRegion, error) {
			return s.Layout.Segment(ctx, ref)
		})
		if err != nil {
			return zero, fmt.Errorf("segmentation failed for %s: %w", ref, err)
		}
		regions = append(regions, pageRegions...)
	}

	s.Logger.Info("submission %s: segmented %d regions from %d pages", st.SubmissionID, len(regions), len(st.FileRefs))
	return graph.Update(ExamState{
		RubricHash: rubricHash,
		Regions:    regions,
		Attempts:   1,
		Stage:      "segmented",
		Fraction:   0.2,
	}), nil
}

// gradeFanoutRouter emits one Send per region. Each child sees the full run
// context but exactly one region. Zero regions skip straight to aggregate.
func (s *ExamServices) gradeFanoutRouter(ctx context.Context, st ExamState) (graph.Result[ExamState], error) {
	if len(st.Regions) == 0 {
		return graph.Goto(NodeAggregate, ExamState{Stage: "grading", Fraction: 0.3}), nil
	}

	sends := make([]graph.Send[ExamState], 0, len(st.Regions))
	for _, region := range st.Regions {
		sends = append(sends, graph.Send[ExamState]{
			Node: NodeGradeQuestion,
			State: ExamState{
				SubmissionID: st.SubmissionID,
				Rubric:       st.Rubric,
				RubricHash:   st.RubricHash,
				Regions:      []QuestionRegion{region},
			},
		})
	}
	return graph.Result[ExamState]{
		Delta: ExamState{Stage: "grading", Fraction: 0.3},
		Sends: sends,
	}, nil
}

// gradeQuestion grades the single region in its sub-state: cache first, then
// the type-specific grader under the retry policy. Exhausted retries degrade
// to a zero-score result instead of failing the run, so sibling branches are
// unaffected.
func (s *ExamServices) gradeQuestion(ctx context.Context, st ExamState) (graph.Result[ExamState], error) {
	var zero graph.Result[ExamState]
	if len(st.Regions) != 1 {
		return zero, fault.Invalid(fmt.Errorf("grade_question expects exactly one region, got %d", len(st.Regions)))
	}
	region := st.Regions[0]

	var keys cache.Keys
	haveKeys := false
	if st.RubricHash != "" {
		imageHash, err := s.Hasher.Perceptual(ctx, region.ImageRef)
		if err == nil {
			keys = cache.Keys{RubricHash: st.RubricHash, ImageHash: imageHash}
			haveKeys = true
		} else {
			s.Logger.Warn("question %s: perceptual hash unavailable, skipping cache: %v", region.QuestionID, err)
		}
	}

	if haveKeys {
		if cached, hit := s.Cache.Lookup(ctx, keys); hit {
			cached.QuestionID = region.QuestionID
			cached.AgentType = AgentCache
			s.Logger.Debug("question %s: cache hit", region.QuestionID)
			return graph.Update(ExamState{GradingResults: []GradingResult{cached}, Attempts: 1}), nil
		}
	}

	result, attemptErrs, err := s.gradeWithRetry(ctx, region, st.Rubric)

	var errRecords []ErrorRecord
	for _, aerr := range attemptErrs {
		errRecords = append(errRecords, ErrorRecord{
			Node:       NodeGradeQuestion,
			QuestionID: region.QuestionID,
			Message:    aerr.Error(),
			At:         time.Now().UTC(),
		})
	}

	if err != nil {
		// Degraded result: the question is flagged for humans, the run goes on.
		result = GradingResult{
			QuestionID:   region.QuestionID,
			Score:        0,
			MaxScore:     region.MaxScore,
			Confidence:   0,
			AgentType:    string(region.QuestionType.Effective()),
			FeedbackText: "needs human review",
		}
		s.Logger.Warn("question %s: grading degraded after retries: %v", region.QuestionID, err)
	} else if haveKeys && result.Confidence > s.CacheThreshold {
		s.Cache.Store(ctx, keys, result)
	}

	return graph.Update(ExamState{
		GradingResults: []GradingResult{result},
		Errors:         errRecords,
		Attempts:       1,
	}), nil
}

// gradeWithRetry retries the grader per the policy, collecting each attempt's
// error. Errors are reported to the caller even when a later attempt
// succeeded, so the state's errors channel keeps the full history.
func (s *ExamServices) gradeWithRetry(ctx context.Context, region QuestionRegion, rubric map[string]any) (GradingResult, []error, error) {
	p := s.Retry
	var attemptErrs []error
	delay := p.InitialDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err := s.gradeAttempt(ctx, region, rubric)
		if err == nil {
			result.QuestionID = region.QuestionID
			result.MaxScore = region.MaxScore
			if verr := validateResult(result, region.QuestionType.Effective()); verr != nil {
				attemptErrs = append(attemptErrs, verr)
				return GradingResult{}, attemptErrs, verr
			}
			return result, attemptErrs, nil
		}
		attemptErrs = append(attemptErrs, err)

		if !fault.IsRetryable(err) || attempt == p.MaxAttempts {
			return GradingResult{}, attemptErrs, err
		}

		select {
		case <-time.After(delay):
			delay = min(time.Duration(float64(delay)*p.Multiplier), p.MaxDelay)
		case <-ctx.Done():
			return GradingResult{}, attemptErrs, ctx.Err()
		}
	}
	return GradingResult{}, attemptErrs, errors.New("unreachable")
}

// gradeAttempt runs one grader call under its wall clock. A grader that keeps
// running past the deadline is abandoned; the attempt reports a timeout fault
// and the retry loop decides what happens next.
func (s *ExamServices) gradeAttempt(ctx context.Context, region QuestionRegion, rubric map[string]any) (GradingResult, error) {
	tctx, cancel := context.WithTimeout(ctx, s.GradeTimeout)
	defer cancel()

	type outcome struct {
		result GradingResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := s.Grader.Grade(tctx, region.ImageRef, rubric, region.QuestionType.Effective())
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return GradingResult{}, err
		}
		return GradingResult{}, fault.Timeout(fmt.Errorf("grading %s timed out after %v", region.QuestionID, s.GradeTimeout))
	}
}

// gradeBudget is the wall clock for one grade_question invocation: every
// attempt plus the backoff between them, with headroom so exhaustion settles
// into a degraded result instead of being cut off from outside.
func (s *ExamServices) gradeBudget() time.Duration {
	p := s.Retry
	budget := time.Duration(p.MaxAttempts) * s.GradeTimeout
	if p.MaxAttempts > 1 {
		budget += time.Duration(p.MaxAttempts-1) * p.MaxDelay
	}
	return budget + 30*time.Second
}

// validateResult enforces the grading contract: score within [0, max_score],
// confidence within [0, 1], and stepwise evidence points summing to the
// score. Violations are schema errors, not retryable conditions.
func validateResult(r GradingResult, qt QuestionType) error {
	if r.Score < 0 || r.Score > r.MaxScore {
		return fault.Invalid(fmt.Errorf("question %s: score %g outside [0, %g]", r.QuestionID, r.Score, r.MaxScore))
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fault.Invalid(fmt.Errorf("question %s: confidence %g outside [0, 1]", r.QuestionID, r.Confidence))
	}
	if qt == QuestionStepwise && len(r.EvidenceChain) > 0 {
		sum := 0.0
		for _, ev := range r.EvidenceChain {
			sum += ev.PointsAwarded
		}
		if math.Abs(sum-r.Score) > 1e-6 {
			return fault.Invalid(fmt.Errorf("question %s: evidence awards %g but score is %g", r.QuestionID, sum, r.Score))
		}
	}
	return nil
}

// aggregate folds the grading results into run totals and decides whether
// human review is needed.
func (s *ExamServices) aggregate(ctx context.Context, st ExamState) (graph.Result[ExamState], error) {
	total, maxTotal := 0.0, 0.0
	minConfidence := 1.0
	for _, r := range st.GradingResults {
		total += r.Score
		maxTotal += r.MaxScore
		if r.Confidence < minConfidence {
			minConfidence = r.Confidence
		}
	}

	needsReview := minConfidence < s.ReviewThreshold
	return graph.Update(ExamState{
		Aggregated:    true,
		TotalScore:    total,
		MaxTotalScore: maxTotal,
		MinConfidence: minConfidence,
		NeedsReview:   needsReview,
		Attempts:      1,
		Stage:         "aggregated",
		Fraction:      0.7,
	}), nil
}

// reviewCheck routes low-confidence runs to human review.
func (s *ExamServices) reviewCheck(ctx context.Context, st ExamState) string {
	if st.NeedsReview {
		return NodeWaitForReview
	}
	return NodePersist
}

// waitForReview suspends the run until a review_signal event arrives, then
// applies the reviewer's decision.
func (s *ExamServices) waitForReview(ctx context.Context, st ExamState) (graph.Result[ExamState], error) {
	var zero graph.Result[ExamState]

	resume, err := graph.Interrupt(ctx, map[string]any{
		"needs_review":    true,
		"min_confidence":  st.MinConfidence,
		"grading_results": st.GradingResults,
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
		return graph.Update(ExamState{Attempts: 1, Stage: "reviewed", Fraction: 0.8}), nil

	case ReviewOverride:
		results, adjTotal := applyOverrides(st.GradingResults, overrides)
		return graph.Update(ExamState{
			ReplaceResults: results,
			Aggregated:     true,
			TotalScore:     adjTotal,
			MaxTotalScore:  st.MaxTotalScore,
			MinConfidence:  st.MinConfidence,
			NeedsReview:    false,
			Attempts:       1,
			Stage:          "reviewed",
			Fraction:       0.8,
		}), nil

	case ReviewReject:
		return graph.Goto(graph.END, ExamState{
			Rejected: true,
			Attempts: 1,
			Stage:    "rejected",
			Fraction: 1.0,
		}), nil

	default:
		return zero, fault.Invalid(fmt.Errorf("unknown review action %q", action))
	}
}

// afterReview routes approved runs onward and rejected runs to END.
func (s *ExamServices) afterReview(ctx context.Context, st ExamState) string {
	if st.Rejected {
		return graph.END
	}
	return NodePersist
}

// persist writes the results through the persistence collaborator. Failure
// after retries is fatal; results stay recoverable from the checkpoint.
func (s *ExamServices) persist(ctx context.Context, st ExamState) (graph.Result[ExamState], error) {
	var zero graph.Result[ExamState]

	_, err := graph.Retry(ctx, s.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.Persistence.SaveResults(ctx, st.SubmissionID, st.GradingResults)
	})
	if err != nil {
		return zero, fmt.Errorf("persist failed for submission %s: %w", st.SubmissionID, err)
	}

	return graph.Update(ExamState{Attempts: 1, Stage: "persisted", Fraction: 0.9}), nil
}

// notify is best-effort: a failed notification is recorded, never fatal.
func (s *ExamServices) notify(ctx context.Context, st ExamState) (graph.Result[ExamState], error) {
	delta := ExamState{Attempts: 1, Stage: "notified", Fraction: 1.0}

	if err := s.Notifier.Notify(ctx, st.SubmissionID, "grading_completed"); err != nil {
		s.Logger.Warn("submission %s: notification failed: %v", st.SubmissionID, err)
		delta.Errors = []ErrorRecord{{
			Node:    NodeNotify,
			Message: err.Error(),
			At:      time.Now().UTC(),
		}}
	}
	return graph.Update(delta), nil
}

// parseReviewSignal unpacks the resume payload attached by SendEvent.
func parseReviewSignal(resume any) (action string, overrides map[string]any, err error) {
	payload, ok := resume.(map[string]any)
	if !ok {
		return "", nil, fault.Invalid(fmt.Errorf("resume payload has unexpected shape %T", resume))
	}
	data, _ := payload["event_data"].(map[string]any)
	if data == nil {
		return "", nil, fault.Invalid(errors.New("resume payload missing event_data"))
	}
	action, _ = data["action"].(string)
	if action == "" {
		return "", nil, fault.Invalid(errors.New("review signal missing action"))
	}
	overrides, _ = data["overrides"].(map[string]any)
	return action, overrides, nil
}

// applyOverrides returns the results with reviewer overrides applied and the
// recomputed total. An override value is either a bare score or a
// {score, feedback} map; unnamed questions pass through unchanged.
func applyOverrides(results []GradingResult, overrides map[string]any) ([]GradingResult, float64) {
	out := make([]GradingResult, len(results))
	copy(out, results)

	for i := range out {
		ov, ok := overrides[out[i].QuestionID]
		if !ok {
			continue
		}
		switch v := ov.(type) {
		case float64:
			out[i].Score = v
		case map[string]any:
			if score, ok := v["score"].(float64); ok {
				out[i].Score = score
			}
			if feedback, ok := v["feedback"].(string); ok {
				out[i].FeedbackText = feedback
			}
		}
		out[i].AgentType = "human_override"
		out[i].Confidence = 1.0
	}

	total := 0.0
	for _, r := range out {
		total += r.Score
	}
	return out, total
}
