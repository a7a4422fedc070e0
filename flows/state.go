package flows

import "github.com/smallnest/gradeflow/graph"

// ExamState is the ExamPaper graph's state record. GradingResults and Errors
// are append channels, Attempts is a counter, and the aggregate scalars are
// gated by the Aggregated flag so a partial delta never zeroes them.
type ExamState struct {
	SubmissionID string         `json:"submission_id"`
	FileRefs     []string       `json:"file_refs,omitempty"`
	Rubric       map[string]any `json:"rubric,omitempty"`
	RubricHash   string         `json:"rubric_hash,omitempty"`

	Regions        []QuestionRegion `json:"regions,omitempty"`
	GradingResults []GradingResult  `json:"grading_results,omitempty"`
	Errors         []ErrorRecord    `json:"errors,omitempty"`
	Attempts       int              `json:"attempts,omitempty"`

	// ReplaceResults is a delta-only channel: when set, it substitutes the
	// whole grading_results list instead of appending. Used by reviewer
	// overrides. Never persisted.
	ReplaceResults []GradingResult `json:"-"`

	Stage    string  `json:"stage,omitempty"`
	Fraction float64 `json:"fraction,omitempty"`

	Aggregated    bool    `json:"aggregated,omitempty"`
	NeedsReview   bool    `json:"needs_review,omitempty"`
	TotalScore    float64 `json:"total_score,omitempty"`
	MaxTotalScore float64 `json:"max_total_score,omitempty"`
	MinConfidence float64 `json:"min_confidence,omitempty"`

	// Rejected marks a reviewer REJECT; the run ends without persisting.
	Rejected bool `json:"rejected,omitempty"`
}

// ProgressInfo exposes the progress channel to checkpoint metadata.
func (s ExamState) ProgressInfo() (string, float64) {
	return s.Stage, s.Fraction
}

// ExamSchema is the merge contract for ExamState.
type ExamSchema struct{}

var _ graph.Schema[ExamState] = ExamSchema{}

// Zero returns the initial state.
func (ExamSchema) Zero() ExamState { return ExamState{} }

// Merge applies a partial delta. Identity fields overwrite when set, list
// channels append, counters add.
func (ExamSchema) Merge(current, delta ExamState) (ExamState, error) {
	out := current

	if delta.SubmissionID != "" {
		out.SubmissionID = delta.SubmissionID
	}
	if delta.FileRefs != nil {
		out.FileRefs = delta.FileRefs
	}
	if delta.Rubric != nil {
		out.Rubric = delta.Rubric
	}
	if delta.RubricHash != "" {
		out.RubricHash = delta.RubricHash
	}
	if delta.Regions != nil {
		out.Regions = delta.Regions
	}

	if delta.ReplaceResults != nil {
		out.GradingResults = delta.ReplaceResults
	} else {
		out.GradingResults = append(out.GradingResults, delta.GradingResults...)
	}
	out.ReplaceResults = nil
	out.Errors = append(out.Errors, delta.Errors...)
	out.Attempts += delta.Attempts

	if delta.Stage != "" {
		out.Stage = delta.Stage
		out.Fraction = delta.Fraction
	}

	if delta.Aggregated {
		out.Aggregated = true
		out.NeedsReview = delta.NeedsReview
		out.TotalScore = delta.TotalScore
		out.MaxTotalScore = delta.MaxTotalScore
		out.MinConfidence = delta.MinConfidence
	}
	if delta.Rejected {
		out.Rejected = true
	}
	return out, nil
}

// BatchState is the BatchGrading graph's state record.
type BatchState struct {
	BatchID  string         `json:"batch_id"`
	FileRefs []string       `json:"file_refs,omitempty"`
	Rubric   map[string]any `json:"rubric,omitempty"`

	Boundaries  []StudentBoundary `json:"boundaries,omitempty"`
	ChildRunIDs []string          `json:"child_run_ids,omitempty"` // append channel
	Errors      []ErrorRecord     `json:"errors,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`

	Stage    string  `json:"stage,omitempty"`
	Fraction float64 `json:"fraction,omitempty"`

	Confirmed bool `json:"confirmed,omitempty"`
	Rejected  bool `json:"rejected,omitempty"`
}

// ProgressInfo exposes the progress channel to checkpoint metadata.
func (s BatchState) ProgressInfo() (string, float64) {
	return s.Stage, s.Fraction
}

// BatchSchema is the merge contract for BatchState.
type BatchSchema struct{}

var _ graph.Schema[BatchState] = BatchSchema{}

func (BatchSchema) Zero() BatchState { return BatchState{} }

func (BatchSchema) Merge(current, delta BatchState) (BatchState, error) {
	out := current

	if delta.BatchID != "" {
		out.BatchID = delta.BatchID
	}
	if delta.FileRefs != nil {
		out.FileRefs = delta.FileRefs
	}
	if delta.Rubric != nil {
		out.Rubric = delta.Rubric
	}
	if delta.Boundaries != nil {
		out.Boundaries = delta.Boundaries
	}

	out.ChildRunIDs = append(out.ChildRunIDs, delta.ChildRunIDs...)
	out.Errors = append(out.Errors, delta.Errors...)
	out.Attempts += delta.Attempts

	if delta.Stage != "" {
		out.Stage = delta.Stage
		out.Fraction = delta.Fraction
	}
	if delta.Confirmed {
		out.Confirmed = true
	}
	if delta.Rejected {
		out.Rejected = true
	}
	return out, nil
}

// UpgradeState is the RuleUpgrade graph's state record. Artifacts is a
// per-key overwrite map channel holding the mined and generated outputs.
type UpgradeState struct {
	RuleSetID string         `json:"rule_set_id"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
	Errors    []ErrorRecord  `json:"errors,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`

	Stage    string  `json:"stage,omitempty"`
	Fraction float64 `json:"fraction,omitempty"`

	TestsPassed bool `json:"tests_passed,omitempty"`
	Approved    bool `json:"approved,omitempty"`
	Rejected    bool `json:"rejected,omitempty"`
	Deployed    bool `json:"deployed,omitempty"`
	Healthy     bool `json:"healthy,omitempty"`
	RolledBack  bool `json:"rolled_back,omitempty"`
}

// ProgressInfo exposes the progress channel to checkpoint metadata.
func (s UpgradeState) ProgressInfo() (string, float64) {
	return s.Stage, s.Fraction
}

// UpgradeSchema is the merge contract for UpgradeState.
type UpgradeSchema struct{}

var _ graph.Schema[UpgradeState] = UpgradeSchema{}

func (UpgradeSchema) Zero() UpgradeState { return UpgradeState{} }

func (UpgradeSchema) Merge(current, delta UpgradeState) (UpgradeState, error) {
	out := current

	if delta.RuleSetID != "" {
		out.RuleSetID = delta.RuleSetID
	}
	for k, v := range delta.Artifacts {
		if out.Artifacts == nil {
			out.Artifacts = make(map[string]any, len(delta.Artifacts))
		}
		out.Artifacts[k] = v
	}

	out.Errors = append(out.Errors, delta.Errors...)
	out.Attempts += delta.Attempts

	if delta.Stage != "" {
		out.Stage = delta.Stage
		out.Fraction = delta.Fraction
	}
	if delta.TestsPassed {
		out.TestsPassed = true
	}
	if delta.Approved {
		out.Approved = true
	}
	if delta.Rejected {
		out.Rejected = true
	}
	if delta.Deployed {
		out.Deployed = true
	}
	if delta.Healthy {
		out.Healthy = true
	}
	if delta.RolledBack {
		out.RolledBack = true
	}
	return out, nil
}
