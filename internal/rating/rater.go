// Package rating scores completed tasks from their before/after photos.
package rating

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/xeipuuv/gojsonschema"

	"cleaning-sync-backend/config"
	"cleaning-sync-backend/internal/blob"
)

// Request describes the photos to compare.
type Request struct {
	PhotoBeforeURL string
	PhotoAfterURL  string
	RoomType       string
	Standard       string
}

// Result is a rater verdict.
type Result struct {
	Score      float64 `json:"score"`
	Feedback   string  `json:"feedback"`
	Model      string  `json:"-"`
	Confidence float64 `json:"confidence"`
}

// Rater scores a cleaning from its photos.
type Rater interface {
	Rate(ctx context.Context, req Request) (*Result, error)
}

// ErrEmptyResponse is returned when the model produced no choice.
var ErrEmptyResponse = errors.New("rater returned no choices")

const resultSchema = `{
  "type": "object",
  "required": ["score", "feedback"],
  "properties": {
    "score": {"type": "number", "minimum": 0, "maximum": 100},
    "feedback": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

const systemPrompt = "You are a cleaning quality inspector. Compare the BEFORE and AFTER photos of a room " +
	"and rate how well it was cleaned. Reply with a JSON object: " +
	`{"score": 0-100, "feedback": "short actionable feedback", "confidence": 0-1}.`

// OpenAIRater asks a vision-capable chat model to rate a cleaning.
type OpenAIRater struct {
	client *openai.Client
	model  string
	blobs  blob.Store
	schema *gojsonschema.Schema
}

// NewOpenAIRater creates a rater from the rating config. Photos stored in the
// blob store are inlined as data URLs so the model never needs bucket access.
func NewOpenAIRater(cfg config.RatingConfig, blobs blob.Store) (*OpenAIRater, error) {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(resultSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to create rating schema: %w", err)
	}

	return &OpenAIRater{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		blobs:  blobs,
		schema: schema,
	}, nil
}

// Rate implements Rater.
func (r *OpenAIRater) Rate(ctx context.Context, req Request) (*Result, error) {
	before, err := r.imageURL(ctx, req.PhotoBeforeURL)
	if err != nil {
		return nil, err
	}
	after, err := r.imageURL(ctx, req.PhotoAfterURL)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf("Room type: %s. Cleaning standard: %s. The first image is BEFORE, the second AFTER.",
		orUnknown(req.RoomType), orUnknown(req.Standard))

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.model,
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: before, Detail: openai.ImageURLDetailLow}},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: after, Detail: openai.ImageURLDetailLow}},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("rating request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	result, err := r.parse(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	result.Model = resp.Model
	if result.Model == "" {
		result.Model = r.model
	}
	return result, nil
}

// parse validates the model output before decoding it.
func (r *OpenAIRater) parse(content string) (*Result, error) {
	validation, err := r.schema.Validate(gojsonschema.NewStringLoader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to validate rating: %w", err)
	}
	if !validation.Valid() {
		var problems []string
		for _, desc := range validation.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("rating does not match schema: %v", problems)
	}

	var result Result
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("failed to parse rating: %w", err)
	}
	return &result, nil
}

// imageURL inlines blobs the store can read; other URLs are passed through.
func (r *OpenAIRater) imageURL(ctx context.Context, url string) (string, error) {
	if r.blobs == nil {
		return url, nil
	}
	data, err := r.blobs.Get(ctx, url)
	if err != nil {
		return "", fmt.Errorf("failed to read photo %s: %w", url, err)
	}
	if data == nil {
		if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
			return url, nil
		}
		return "", fmt.Errorf("photo %s not found", url)
	}
	return "data:" + http.DetectContentType(data) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unspecified"
	}
	return s
}
