// Package generation wraps the external chat-completion capability:
// request construction from current config, output validation, and a
// best-effort usage and cost log.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/qaknow/internal/config"
	"github.com/kalambet/qaknow/internal/llm"
	"github.com/kalambet/qaknow/internal/storage"
)

var (
	// ErrUnavailable is returned when generation is disabled or no
	// credential is configured.
	ErrUnavailable = errors.New("generation unavailable")

	// ErrInvalidOutput is returned when generated content fails validation.
	ErrInvalidOutput = errors.New("invalid generation output")
)

// Log sources.
const (
	SourceSelector = "selector"
	SourceData     = "data"
)

// ChatCompleter sends a chat completion request.
type ChatCompleter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error)
}

// ClientFactory builds a ChatCompleter for a credential and endpoint.
type ClientFactory func(apiKey, baseURL string) ChatCompleter

// LogStore persists generation logs.
type LogStore interface {
	SaveGenerationLog(ctx context.Context, l storage.GenerationLog) error
}

// Request is a single generation call. An empty Model, zero MaxTokens and
// a nil Temperature fall back to configured defaults; the MaxTokens default
// depends on Source.
type Request struct {
	Source       string
	SystemPrompt string
	UserPrompt   string
	Model        string
	MaxTokens    int
	Temperature  *float64
	JSONOutput   bool
}

// Response is what the adapter observed from the provider.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Err          error
}

type Adapter struct {
	cfg       config.Source
	logs      LogStore
	newClient ClientFactory
	prices    *PriceTable
	logger    *slog.Logger
}

// NewAdapter creates an Adapter. A nil factory uses the llm package client;
// a nil log store disables call logging.
func NewAdapter(cfg config.Source, logs LogStore, newClient ClientFactory) *Adapter {
	if newClient == nil {
		newClient = func(apiKey, baseURL string) ChatCompleter {
			return llm.NewClientWithBaseURL(apiKey, baseURL)
		}
	}
	return &Adapter{
		cfg:       cfg,
		logs:      logs,
		newClient: newClient,
		prices:    DefaultPrices(),
		logger:    slog.Default(),
	}
}

// SetLogger replaces the adapter's logger.
func (a *Adapter) SetLogger(l *slog.Logger) {
	a.logger = l
}

// Available reports whether a Generate call would be attempted.
func (a *Adapter) Available(ctx context.Context) bool {
	cfg, err := a.cfg.Get(ctx, false)
	return err == nil && cfg.Generation.Available()
}

// Generate sends the prompts to the configured model and returns the raw
// response text. The client is built from the config read at call time.
func (a *Adapter) Generate(ctx context.Context, req Request) (string, error) {
	cfg, err := a.cfg.Get(ctx, false)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	gen := cfg.Generation
	if !gen.Enabled {
		return "", fmt.Errorf("%w: generation disabled", ErrUnavailable)
	}
	if gen.APIKey == "" {
		return "", fmt.Errorf("%w: no credential configured", ErrUnavailable)
	}

	chatReq := llm.ChatRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages: []llm.Message{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature: req.Temperature,
	}
	if chatReq.Model == "" {
		chatReq.Model = gen.Model
	}
	if chatReq.MaxTokens <= 0 {
		switch req.Source {
		case SourceSelector:
			chatReq.MaxTokens = gen.SelectorMaxTokens
		case SourceData:
			chatReq.MaxTokens = gen.DataMaxTokens
		}
	}
	if chatReq.Temperature == nil {
		t := gen.Temperature
		chatReq.Temperature = &t
	}
	if req.JSONOutput {
		chatReq.ResponseFormat = &llm.ResponseFormat{Type: "json_object"}
	}

	client := a.newClient(gen.APIKey, gen.BaseURL)
	resp, err := client.Chat(ctx, chatReq)

	out := Response{Model: chatReq.Model, Err: err}
	if err == nil {
		out.Text = resp.Content()
		if resp.Model != "" {
			out.Model = resp.Model
		}
		if resp.Usage != nil {
			out.InputTokens = resp.Usage.PromptTokens
			out.OutputTokens = resp.Usage.CompletionTokens
		}
	}
	a.LogCall(ctx, req.Source, chatReq, out)

	if err != nil {
		return "", fmt.Errorf("calling generator: %w", err)
	}
	if out.Text == "" {
		return "", fmt.Errorf("%w: empty response", ErrInvalidOutput)
	}
	return out.Text, nil
}

// loggedRequest is the persisted form of a request. It carries no credential.
type loggedRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// LogCall records a generation call. Failures are logged and swallowed.
func (a *Adapter) LogCall(ctx context.Context, source string, req llm.ChatRequest, resp Response) {
	if a.logs == nil {
		return
	}

	reqJSON, err := json.Marshal(loggedRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		a.logger.Warn("generation log: marshaling request", "error", err)
		return
	}

	in, out := resp.InputTokens, resp.OutputTokens
	if in == 0 {
		for _, m := range req.Messages {
			in += EstimateTokens(m.Content)
		}
	}
	if out == 0 {
		out = EstimateTokens(resp.Text)
	}

	entry := storage.GenerationLog{
		ID:           uuid.New().String(),
		Source:       source,
		Model:        resp.Model,
		RequestJSON:  string(reqJSON),
		ResponseText: resp.Text,
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      a.prices.Cost(resp.Model, in, out),
	}
	if resp.Err != nil {
		entry.Error = resp.Err.Error()
	}

	// Log even when the caller's context is already cancelled.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.logs.SaveGenerationLog(logCtx, entry); err != nil {
		a.logger.Warn("generation log: saving", "source", source, "error", err)
	}
}
