// Package vision describes screenshots with an OpenAI vision model. It is
// pure glue around the chat completion API; capture and persistence live
// elsewhere, and a vision failure never fails the capture that fed it.
package vision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultModel is the vision-capable model used unless configured otherwise.
const DefaultModel = "gpt-4o-mini"

// ErrNoAPIKey is returned when the credential env var is empty.
var ErrNoAPIKey = errors.New("openai api key not set")

// Analyzer answers questions about screenshot data URLs.
type Analyzer struct {
	client *openai.Client
	model  string
}

// New creates an analyzer reading the API key from keyEnv (default
// OPENAI_API_KEY).
func New(keyEnv, model string) (*Analyzer, error) {
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, fmt.Errorf("%w: export %s", ErrNoAPIKey, keyEnv)
	}
	if model == "" {
		model = DefaultModel
	}
	return &Analyzer{client: openai.NewClient(key), model: model}, nil
}

// Describe asks the model about the screenshot. dataURL must be a
// data:image/... URL as produced by the screenshot tools.
func (a *Analyzer) Describe(ctx context.Context, dataURL, prompt string) (string, error) {
	if !strings.HasPrefix(dataURL, "data:image/") {
		return "", fmt.Errorf("not an image data url")
	}
	if prompt == "" {
		prompt = "Describe what this page shows, including any visible errors."
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailAuto,
						},
					},
					{
						Type: openai.ChatMessagePartTypeText,
						Text: prompt,
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("vision request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision request: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
