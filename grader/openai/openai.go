// Package openai adapts the OpenAI vision chat API to the flows.Grader
// contract. Calls are throttled by a shared rate limiter, and API failures
// are classified so the retry wrapper distinguishes throttling from bad
// requests.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/smallnest/gradeflow/fault"
	"github.com/smallnest/gradeflow/flows"
	"github.com/smallnest/gradeflow/log"
	"github.com/smallnest/gradeflow/ratelimit"
)

const defaultModel = goopenai.GPT4o

// Grader implements flows.Grader over OpenAI vision chat completions.
type Grader struct {
	client  *goopenai.Client
	model   string
	limiter *ratelimit.Limiter
	logger  log.Logger
}

var _ flows.Grader = (*Grader)(nil)

// Options configures the grader.
type Options struct {
	APIKey  string
	BaseURL string // optional, for compatible endpoints
	Model   string // default gpt-4o
	Limiter *ratelimit.Limiter
	Logger  log.Logger
}

// New creates a grader.
func New(opts Options) *Grader {
	cfg := goopenai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop{}
	}

	return &Grader{
		client:  goopenai.NewClientWithConfig(cfg),
		model:   model,
		limiter: opts.Limiter,
		logger:  logger,
	}
}

// Grade scores one question image against the rubric using the routine for
// its question type.
func (g *Grader) Grade(ctx context.Context, imageRef string, rubric map[string]any, questionType flows.QuestionType) (flows.GradingResult, error) {
	var zero flows.GradingResult

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return zero, err
		}
	}

	rubricJSON, err := json.Marshal(rubric)
	if err != nil {
		return zero, fault.Invalid(fmt.Errorf("rubric not serializable: %w", err))
	}

	resp, err := g.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: g.model,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []goopenai.ChatCompletionMessage{
			{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: systemPrompt(questionType),
			},
			{
				Role: goopenai.ChatMessageRoleUser,
				MultiContent: []goopenai.ChatMessagePart{
					{
						Type: goopenai.ChatMessagePartTypeText,
						Text: "Rubric:\n" + string(rubricJSON),
					},
					{
						Type:     goopenai.ChatMessagePartTypeImageURL,
						ImageURL: &goopenai.ChatMessageImageURL{URL: imageRef},
					},
				},
			},
		},
	})
	if err != nil {
		return zero, classify(err)
	}
	if len(resp.Choices) == 0 {
		return zero, fault.Transient(errors.New("empty completion response"))
	}

	var result flows.GradingResult
	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return zero, fault.Permanent(fmt.Errorf("model output is not a grading result: %w", err))
	}
	result.AgentType = string(questionType)

	g.logger.Debug("graded %s question: score %.2f confidence %.2f", questionType, result.Score, result.Confidence)
	return result, nil
}

func systemPrompt(questionType flows.QuestionType) string {
	var b strings.Builder
	b.WriteString("You are an exam grader. Score the student's answer in the image against the rubric. ")
	b.WriteString(`Respond with a JSON object: {"score": number, "max_score": number, "confidence": number between 0 and 1, "evidence_chain": [{"scoring_point": string, "image_region": string, "reasoning": string, "rubric_reference": string, "points_awarded": number}], "feedback_text": string}. `)

	switch questionType {
	case flows.QuestionObjective:
		b.WriteString("The question has a single correct answer; award full or zero points.")
	case flows.QuestionStepwise:
		b.WriteString("Award partial credit per solution step; points_awarded over the evidence chain must sum to score.")
	case flows.QuestionLabDesign:
		b.WriteString("Assess the experimental design against each rubric criterion.")
	default:
		b.WriteString("Assess the free-form answer holistically against the rubric criteria.")
	}
	return b.String()
}

// classify maps API failures onto the fault taxonomy.
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fault.RateLimited(err)
		case apiErr.HTTPStatusCode >= 500:
			return fault.Transient(err)
		case apiErr.HTTPStatusCode == http.StatusBadRequest:
			return fault.Invalid(err)
		default:
			return fault.Permanent(err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Timeout(err)
	}
	// Connection resets and the like.
	return fault.Transient(err)
}
