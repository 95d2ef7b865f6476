package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// OllamaConfig holds configuration for the Ollama HTTP backend.
type OllamaConfig struct {
	BaseURL     string
	Model       string
	VisionModel string
	Timeout     time.Duration
}

// DefaultOllamaConfig returns sensible defaults for a local Ollama server.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		BaseURL:     "http://localhost:11434",
		Model:       "qwen2.5:1.5b",
		VisionModel: "llava",
		Timeout:     120 * time.Second,
	}
}

// Ollama implements Backend over a local Ollama server's chat API.
type Ollama struct {
	baseURL     string
	model       string
	visionModel string
	timeout     time.Duration
	http        *resty.Client
}

// NewOllama creates an Ollama backend. Empty config fields fall back to
// defaults.
func NewOllama(cfg OllamaConfig) *Ollama {
	def := DefaultOllamaConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = def.VisionModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Ollama{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
		timeout:     cfg.Timeout,
		http:        resty.New().SetTimeout(cfg.Timeout),
	}
}

// chatMessage is one message in an /api/chat request. Images carry base64
// payloads for vision models.
type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// chatRequest is the /api/chat request body. Streaming is always off; the
// engine wants one complete response per call.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// chatResponse is the non-streaming /api/chat response envelope.
type chatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

// tagsResponse is the /api/tags response envelope.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Name implements Backend.
func (o *Ollama) Name() string { return "ollama" }

// IsAvailable probes /api/tags. Advisory only; Generate is not gated on it.
func (o *Ollama) IsAvailable(ctx context.Context) bool {
	resp, err := o.http.R().SetContext(ctx).Get(o.baseURL + "/api/tags")
	return err == nil && !resp.IsError()
}

// ListModels returns the names of models the server has pulled.
func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	var tags tagsResponse
	resp, err := o.http.R().SetContext(ctx).SetResult(&tags).Get(o.baseURL + "/api/tags")
	if err != nil {
		return nil, classifyTransportErr("list models", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: list models returned %s", ErrUnavailable, resp.Status())
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// Generate implements Backend via a non-streaming chat request.
func (o *Ollama) Generate(ctx context.Context, prompt, systemPrompt string) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})
	return o.chat(ctx, o.model, messages)
}

// DescribeImage implements ImageDescriber by sending the image as a base64
// attachment to the configured vision model.
func (o *Ollama) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	messages := []chatMessage{{
		Role:    "user",
		Content: prompt,
		Images:  []string{base64.StdEncoding.EncodeToString(image)},
	}}
	return o.chat(ctx, o.visionModel, messages)
}

func (o *Ollama) chat(ctx context.Context, model string, messages []chatMessage) (string, error) {
	var out chatResponse
	resp, err := o.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(chatRequest{Model: model, Messages: messages, Stream: false}).
		SetResult(&out).
		Post(o.baseURL + "/api/chat")
	if err != nil {
		return "", classifyTransportErr("chat", err)
	}
	if resp.IsError() {
		return "", classifyStatus(resp.StatusCode(), resp.String())
	}
	if out.Error != "" {
		return "", fmt.Errorf("%w: server error: %s", ErrInvalidResponse, out.Error)
	}
	content := strings.TrimSpace(out.Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty completion", ErrInvalidResponse)
	}
	return content, nil
}

// SetModel changes the model used for text generation.
func (o *Ollama) SetModel(model string) { o.model = model }

// GetModel returns the current text-generation model.
func (o *Ollama) GetModel() string { return o.model }

// classifyTransportErr maps a request error to the backend error taxonomy:
// deadline problems become ErrTimeout, everything else a TransportError.
func classifyTransportErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	return &TransportError{Op: op, Err: err}
}

// classifyStatus maps a non-2xx chat status. 404 means the model is not
// pulled and 5xx means the server cannot serve; both read as unavailable.
func classifyStatus(code int, body string) error {
	if code == http.StatusNotFound || code >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, code, truncate(body, 200))
	}
	return &TransportError{Op: "chat", Err: fmt.Errorf("status %d: %s", code, truncate(body, 200))}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
