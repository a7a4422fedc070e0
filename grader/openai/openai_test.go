package openai

import (
	"context"
	"errors"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"

	"github.com/smallnest/gradeflow/fault"
	"github.com/smallnest/gradeflow/flows"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{"throttled", &goopenai.APIError{HTTPStatusCode: 429}, fault.KindRateLimited},
		{"server error", &goopenai.APIError{HTTPStatusCode: 503}, fault.KindTransient},
		{"bad request", &goopenai.APIError{HTTPStatusCode: 400}, fault.KindInvalid},
		{"auth failure", &goopenai.APIError{HTTPStatusCode: 401}, fault.KindPermanent},
		{"deadline", context.DeadlineExceeded, fault.KindTimeout},
		{"connection reset", errors.New("read: connection reset by peer"), fault.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fault.KindOf(classify(tt.err)))
		})
	}
}

func TestSystemPromptPerQuestionType(t *testing.T) {
	assert.Contains(t, systemPrompt(flows.QuestionObjective), "full or zero")
	assert.Contains(t, systemPrompt(flows.QuestionStepwise), "partial credit")
	assert.Contains(t, systemPrompt(flows.QuestionLabDesign), "experimental design")
	assert.Contains(t, systemPrompt(flows.QuestionEssay), "holistically")
	// Unknown types share the essay routine's prompt.
	assert.Contains(t, systemPrompt(flows.QuestionUnknown), "holistically")
}
