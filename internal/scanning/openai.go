package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o"
)

// OpenAIConfig configures the OpenAI analyzer.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // default https://api.openai.com/v1
	Model       string // default gpt-4o
	Temperature float64
	Timeout     time.Duration
}

// OpenAI implements the Analyzer interface using the chat completions API
// with a strict JSON schema response format.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI creates a new OpenAI Analyzer instance. A missing API key is not
// an error here; every AnalyzeReceipts call reports it instead.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type openAIRequest struct {
	Model          string               `json:"model"`
	Temperature    float64              `json:"temperature"`
	Messages       []openAIMessage      `json:"messages"`
	ResponseFormat openAIResponseFormat `json:"response_format"`
}

type openAIMessage struct {
	Role    string          `json:"role"`
	Content []openAIContent `json:"content"`
}

type openAIContent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponseFormat struct {
	Type       string           `json:"type"`
	JSONSchema openAISchemaSpec `json:"json_schema"`
}

type openAISchemaSpec struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// AnalyzeReceipts sends all images in a single chat completion request.
func (o *OpenAI) AnalyzeReceipts(ctx context.Context, images []string, uris []string) ([]ImageAnalysis, error) {
	if o.cfg.APIKey == "" {
		return nil, configError("OpenAI API key not configured")
	}

	reqID := uuid.NewString()
	start := time.Now()

	body, err := json.Marshal(o.buildRequest(images, uris))
	if err != nil {
		return nil, requestError(err)
	}

	slog.Info("Submitting images for analysis",
		"req_id", reqID,
		"model", o.cfg.Model,
		"images", len(images),
		"content_length", len(body),
	)
	for i, uri := range uris {
		slog.Debug("Submitted image", "req_id", reqID, "index", i, "uri", uri)
	}

	url := strings.TrimRight(o.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, requestError(err)
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		slog.Error("Analysis request failed", "req_id", reqID, "error", err)
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(fmt.Errorf("reading response: %w", err))
	}

	slog.Info("Analysis response received",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, protocolError(resp.StatusCode, raw)
	}

	var envelope openAIResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, decodeError(fmt.Errorf("decoding response: %w", err))
	}
	if len(envelope.Choices) == 0 || envelope.Choices[0].Message.Content == "" {
		return nil, &AnalysisError{Kind: ErrKindDecode, Message: "No content in response"}
	}

	results, err := parseStructuredResponse(envelope.Choices[0].Message.Content, uris)
	if err != nil {
		slog.Error("Failed to parse analysis content", "req_id", reqID, "error", err)
		return nil, decodeError(err)
	}
	return results, nil
}

func (o *OpenAI) buildRequest(images []string, uris []string) openAIRequest {
	content := make([]openAIContent, 0, len(images)+1)
	content = append(content, openAIContent{Type: "text", Text: buildPrompt(uris)})
	for _, img := range images {
		content = append(content, openAIContent{Type: "image_url", ImageURL: &openAIImageURL{URL: img}})
	}
	return openAIRequest{
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
		Messages:    []openAIMessage{{Role: "user", Content: content}},
		ResponseFormat: openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: openAISchemaSpec{
				Name:   schemaName,
				Strict: true,
				Schema: schemaDocument(),
			},
		},
	}
}

// Close closes the OpenAI client (no-op for HTTP client)
func (o *OpenAI) Close() error {
	return nil
}
