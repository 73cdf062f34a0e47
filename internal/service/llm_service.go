package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"persona-rag/internal/models"
	"persona-rag/pkg/config"
	"persona-rag/pkg/metrics"

	"github.com/Role1776/gigago"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrEmptyCompletion = errors.New("completion returned no text")

// Prompt is one text-in request to a Completer.
type Prompt struct {
	System  string
	History []models.Turn
	User    string
}

// Completer is an opaque text-in, text-out language model. It fails closed: empty text is an error.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (string, error)
	Name() string
}

// NewCompleter builds the configured provider behind a rate limiter.
func NewCompleter(ctx context.Context, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (Completer, error) {
	var base Completer
	switch cfg.LLM.Provider {
	case "gigachat":
		c, err := NewGigaChatCompleter(ctx, &cfg.GigaChat, cfg.LLM.Temperature, logger)
		if err != nil {
			return nil, err
		}
		base = c
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai llm provider")
		}
		base = NewOpenAICompleter(&cfg.OpenAI, cfg.LLM.Temperature, logger)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
	}

	return NewRateLimitedCompleter(base, cfg.LLM.RatePerSec, cfg.LLM.Burst, collector), nil
}

type GigaChatCompleter struct {
	client      *gigago.Client
	modelName   string
	temperature float64
	logger      *zap.Logger
}

func NewGigaChatCompleter(ctx context.Context, cfg *config.GigaChatConfig, temperature float64, logger *zap.Logger) (*GigaChatCompleter, error) {
	opts := []gigago.Option{
		gigago.WithCustomScope(cfg.Scope),
	}

	if cfg.InsecureSkipVerify {
		opts = append(opts, gigago.WithCustomInsecureSkipVerify(true))
		logger.Warn("GigaChat TLS certificate verification is disabled")
	}

	client, err := gigago.NewClient(ctx, cfg.APIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GigaChat client: %w", err)
	}

	logger.Info("Using GigaChat model", zap.String("model", cfg.Model))

	return &GigaChatCompleter{
		client:      client,
		modelName:   cfg.Model,
		temperature: temperature,
		logger:      logger,
	}, nil
}

func (c *GigaChatCompleter) Name() string { return "gigachat" }

// Complete builds a fresh model per call so concurrent prompts never share a system instruction.
func (c *GigaChatCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	model := c.client.GenerativeModel(c.modelName)
	model.SystemInstruction = p.System
	setTemperature(&model.Temperature, c.temperature)

	messages := []gigago.Message{
		{Role: gigago.RoleUser, Content: foldHistory(p)},
	}

	resp, err := model.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from LLM")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

func (c *GigaChatCompleter) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// setTemperature copes with the client exposing either float width.
func setTemperature[T ~float32 | ~float64](dst *T, v float64) {
	*dst = T(v)
}

// foldHistory renders prior turns into the user message for providers that take a single turn.
func foldHistory(p Prompt) string {
	if len(p.History) == 0 {
		return p.User
	}

	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, t := range p.History {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	b.WriteString("\n")
	b.WriteString(p.User)
	return b.String()
}

type OpenAICompleter struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *zap.Logger
}

func NewOpenAICompleter(cfg *config.OpenAIConfig, temperature float64, logger *zap.Logger) *OpenAICompleter {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	logger.Info("OpenAI completer initialized", zap.String("model", cfg.ChatModel))

	return &OpenAICompleter{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.ChatModel,
		temperature: float32(temperature),
		logger:      logger,
	}
}

func (c *OpenAICompleter) Name() string { return "openai" }

func (c *OpenAICompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(p.History)+2)
	if p.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	}
	for _, t := range p.History {
		role := openai.ChatMessageRoleUser
		if t.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.User})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no response choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

// RateLimitedCompleter throttles calls to the wrapped provider and records their outcome.
type RateLimitedCompleter struct {
	next      Completer
	limiter   *rate.Limiter
	collector *metrics.Collector
}

func NewRateLimitedCompleter(next Completer, perSecond float64, burst int, collector *metrics.Collector) *RateLimitedCompleter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedCompleter{
		next:      next,
		limiter:   rate.NewLimiter(limit, burst),
		collector: collector,
	}
}

func (c *RateLimitedCompleter) Name() string { return c.next.Name() }

func (c *RateLimitedCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	out, err := c.next.Complete(ctx, p)
	c.collector.RecordCompletion(c.next.Name(), err)
	return out, err
}

// Close releases the wrapped provider when it holds resources.
func (c *RateLimitedCompleter) Close() error {
	if closer, ok := c.next.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
