// Package llm adapts the Anthropic Messages API to the labeling classifier.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = "You label municipal issue reports. Answer with a single JSON object only."

var ErrNoAPIKey = errors.New("anthropic api key is required")

type Options struct {
	APIKey          string
	Model           string
	MaxOutputTokens int
	Temperature     float64
	BaseURL         string // overrides the API endpoint, used in tests
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Classifier implements labeling.Classifier on top of Claude.
type Classifier struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	temp      float64
	log       *slog.Logger
}

func New(opts Options) (*Classifier, error) {
	if opts.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic model is required")
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = 512
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	return &Classifier{
		client:    anthropic.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: int64(opts.MaxOutputTokens),
		temp:      opts.Temperature,
		log:       opts.Logger.With("component", "llm"),
	}, nil
}

func (c *Classifier) Model() string { return c.model }

func (c *Classifier) Classify(ctx context.Context, prompt string) (string, error) {
	text, _, err := c.complete(ctx, prompt)
	return text, err
}

func (c *Classifier) complete(ctx context.Context, prompt string) (string, Usage, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temp),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		c.log.Warn("llm.request_failed", "model", c.model, "error", err)
		return "", Usage{}, fmt.Errorf("anthropic api: %w", err)
	}
	usage := Usage{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			c.log.Debug("llm.response", "size", len(block.Text), "tokens_in", usage.InputTokens, "tokens_out", usage.OutputTokens)
			return block.Text, usage, nil
		}
	}
	return "", usage, errors.New("no text content in anthropic response")
}
