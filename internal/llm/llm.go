package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/gramportal/internal/llm/prompts"
	"github.com/pavelanni/gramportal/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyExplanation is returned when the model answers without text.
var ErrEmptyExplanation = errors.New("LLM returned an empty explanation")

type explainResult struct {
	Explanation string `json:"explanation"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api      *openai.Client
	model    string
	variant  prompts.Variant
	language string
}

// New creates a new LLM client. An unknown variant falls back to brief.
func New(baseURL, apiKey, modelName, variant, language string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	v := prompts.Variant(variant)
	if !prompts.IsValidVariant(variant) {
		v = prompts.VariantBrief
	}
	return &Client{
		api:      openai.NewClientWithConfig(config),
		model:    modelName,
		variant:  v,
		language: language,
	}
}

// Ping checks that the endpoint answers and knows the configured model.
func (c *Client) Ping(ctx context.Context) error {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range list.Models {
		if m.ID == c.model {
			return nil
		}
	}
	return fmt.Errorf("model %q not offered by endpoint", c.model)
}

// Explain drafts an explanation of why the correct option of q is correct.
func (c *Client) Explain(ctx context.Context, subject model.Subject, q model.Question) (string, error) {
	systemPrompt, err := prompts.BuildExplainPrompt(c.variant, subject, c.language, q)
	if err != nil {
		return "", err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "question_id", q.ID, "raw", raw)

	var result explainResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return "", fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	text := strings.TrimSpace(result.Explanation)
	if text == "" {
		return "", ErrEmptyExplanation
	}
	return text, nil
}

// QuestionStore is what ExplainMissing needs from the record store.
type QuestionStore interface {
	GetExam(ctx context.Context, id int64) (*model.Exam, error)
	ListQuestionsWithoutExplanation(ctx context.Context, examID int64) ([]model.Question, error)
	SetExplanation(ctx context.Context, id int64, explanation string) error
}

// ExplainMissing drafts and stores explanations for every question of an
// exam that has none. A failure on one question is logged and counted.
func (c *Client) ExplainMissing(ctx context.Context, st QuestionStore, examID int64) (done, failed int, err error) {
	e, err := st.GetExam(ctx, examID)
	if err != nil {
		return 0, 0, err
	}
	questions, err := st.ListQuestionsWithoutExplanation(ctx, examID)
	if err != nil {
		return 0, 0, fmt.Errorf("list questions: %w", err)
	}
	for _, q := range questions {
		if err := ctx.Err(); err != nil {
			return done, failed, err
		}
		text, err := c.Explain(ctx, e.Subject, q)
		if err != nil {
			slog.Error("failed to draft explanation", "question_id", q.ID, "error", err)
			failed++
			continue
		}
		if err := st.SetExplanation(ctx, q.ID, text); err != nil {
			return done, failed, fmt.Errorf("store explanation %d: %w", q.ID, err)
		}
		done++
	}
	slog.Info("drafted explanations", "exam_id", examID, "done", done, "failed", failed)
	return done, failed, nil
}
