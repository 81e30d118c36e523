package scanning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the Analyzer interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Analyzer instance. opts are passed to the
// underlying client, e.g. option.WithEndpoint.
func NewGemini(apiKey string, modelName string, opts ...option.ClientOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// AnalyzeReceipts analyzes the images in one GenerateContent call
func (g *Gemini) AnalyzeReceipts(ctx context.Context, images []string, uris []string) ([]ImageAnalysis, error) {
	parts := []genai.Part{
		genai.Text(buildPrompt(uris) + "\n\nReturn ONLY JSON matching this JSON Schema:\n" + string(receiptAnalysisSchema)),
	}
	for i, img := range images {
		mimeType, data, err := decodeDataURI(img)
		if err != nil {
			return nil, requestError(fmt.Errorf("image %d: %w", i, err))
		}
		// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type
		parts = append(parts, genai.ImageData(strings.TrimPrefix(mimeType, "image/"), data))
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		slog.Error("Gemini request failed", "images", len(images), "error", err)
		return nil, networkError(fmt.Errorf("generating content: %w", err))
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, &AnalysisError{Kind: ErrKindDecode, Message: "No content in response"}
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	results, err := parseStructuredResponse(responseText.String(), uris)
	if err != nil {
		return nil, decodeError(err)
	}
	return results, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
