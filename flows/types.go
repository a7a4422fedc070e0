// Package flows is the graph catalog: the ExamPaper, BatchGrading and
// RuleUpgrade graphs, their state records, and the collaborator contracts
// they call out through. The package builds graphs and runners; all external
// effects (layout analysis, LLM grading, persistence, notification) stay
// behind interfaces so the graphs are testable without network.
package flows

import (
	"context"
	"time"
)

// Graph names as registered in the catalog.
const (
	GraphExamPaper    = "ExamPaper"
	GraphBatchGrading = "BatchGrading"
	GraphRuleUpgrade  = "RuleUpgrade"
)

// QuestionType classifies a question region and selects its grading routine.
type QuestionType string

const (
	QuestionObjective QuestionType = "OBJECTIVE"
	QuestionStepwise  QuestionType = "STEPWISE"
	QuestionEssay     QuestionType = "ESSAY"
	QuestionLabDesign QuestionType = "LAB_DESIGN"
	QuestionUnknown   QuestionType = "UNKNOWN"
)

// Effective resolves the grading routine: unknown regions fall back to the
// essay grader, the most general routine.
func (t QuestionType) Effective() QuestionType {
	switch t {
	case QuestionObjective, QuestionStepwise, QuestionEssay, QuestionLabDesign:
		return t
	default:
		return QuestionEssay
	}
}

// BoundingBox is an integer pixel rectangle within a page image.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// QuestionRegion is one detected question on a submitted page.
type QuestionRegion struct {
	QuestionID   string       `json:"question_id"`
	PageIndex    int          `json:"page_index"`
	BoundingBox  BoundingBox  `json:"bounding_box"`
	ImageRef     string       `json:"image_ref"`
	QuestionType QuestionType `json:"question_type"`
	MaxScore     float64      `json:"max_score"`
	RubricRef    string       `json:"rubric_ref"`
}

// EvidenceItem is one scoring decision inside a grading result.
type EvidenceItem struct {
	ScoringPoint    string  `json:"scoring_point"`
	ImageRegion     string  `json:"image_region"`
	Reasoning       string  `json:"reasoning"`
	RubricReference string  `json:"rubric_reference"`
	PointsAwarded   float64 `json:"points_awarded"`
}

// GradingResult is the graded outcome of one question region. For STEPWISE
// results the evidence chain's points must sum to the score.
type GradingResult struct {
	QuestionID        string         `json:"question_id"`
	Score             float64        `json:"score"`
	MaxScore          float64        `json:"max_score"`
	Confidence        float64        `json:"confidence"`
	AgentType         string         `json:"agent_type"`
	EvidenceChain     []EvidenceItem `json:"evidence_chain,omitempty"`
	VisualAnnotations []string       `json:"visual_annotations,omitempty"`
	FeedbackText      string         `json:"feedback_text,omitempty"`
}

// ErrorRecord is one absorbed node error, accumulated in the state's errors
// channel even when the node eventually succeeded.
type ErrorRecord struct {
	Node       string    `json:"node"`
	QuestionID string    `json:"question_id,omitempty"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Review actions accepted by the wait_for_review node.
const (
	ReviewApprove  = "APPROVE"
	ReviewOverride = "OVERRIDE"
	ReviewReject   = "REJECT"
)

// LayoutAnalysis segments a page image into question regions.
type LayoutAnalysis interface {
	Segment(ctx context.Context, imageRef string) ([]QuestionRegion, error)
}

// Grader grades a single question region against a rubric. Per-type
// specializations share this shape; the question type selects the routine.
type Grader interface {
	Grade(ctx context.Context, imageRef string, rubric map[string]any, questionType QuestionType) (GradingResult, error)
}

// Persistence writes finished results to the external durable store.
type Persistence interface {
	SaveResults(ctx context.Context, submissionID string, results []GradingResult) error
}

// Notifier fires a notification event for a submission.
type Notifier interface {
	Notify(ctx context.Context, submissionID, eventType string) error
}

// ImageHasher fingerprints an image by reference. Two images with identical
// visible content must hash to the same value regardless of encoding.
type ImageHasher interface {
	Perceptual(ctx context.Context, imageRef string) (uint64, error)
}

// BoundaryDetector partitions a multi-student paper stream into per-student
// slices for BatchGrading.
type BoundaryDetector interface {
	DetectBoundaries(ctx context.Context, fileRefs []string) ([]StudentBoundary, error)
}

// StudentBoundary is one per-student slice of a batch scan.
type StudentBoundary struct {
	StudentID  string   `json:"student_id"`
	FileRefs   []string `json:"file_refs"`
	Confidence float64  `json:"confidence"`
}

// RunStarter starts child runs. The orchestrator implements it; BatchGrading
// uses it to spawn one nested ExamPaper run per student slice.
type RunStarter interface {
	StartRun(ctx context.Context, graphName string, payload map[string]any, idempotencyKey string) (string, error)
}

// RuleToolkit is the external tooling behind the RuleUpgrade pipeline. Node
// logic lives outside the core; the graph only provides durable sequencing.
type RuleToolkit interface {
	Mine(ctx context.Context, ruleSetID string) (map[string]any, error)
	Generate(ctx context.Context, ruleSetID string, mined map[string]any) (map[string]any, error)
	RegressionTest(ctx context.Context, ruleSetID string, generated map[string]any) (passed bool, report map[string]any, err error)
	Deploy(ctx context.Context, ruleSetID string, generated map[string]any) error
	Monitor(ctx context.Context, ruleSetID string) (healthy bool, err error)
	Rollback(ctx context.Context, ruleSetID string) error
}
