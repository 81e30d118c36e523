package scanning

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// structuredResponse is the shape the model must produce inside the message content.
type structuredResponse struct {
	Results []ImageAnalysis `json:"results"`
}

// parseStructuredResponse parses and validates the model's JSON content.
// uris are the originally submitted URIs, used to cross-check the IDs the model echoed back.
func parseStructuredResponse(text string, uris []string) ([]ImageAnalysis, error) {
	// Remove markdown code blocks if present
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("json does not match schema: %w", err)
	}

	var resp structuredResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling results: %w", err)
	}

	for i := range resp.Results {
		r := &resp.Results[i]
		if r.Analysis != nil {
			normalizeReceiptData(r.Analysis)
		}
		checkImageID(*r, uris)
	}
	return resp.Results, nil
}

func normalizeReceiptData(data *ReceiptData) {
	if data.Items == nil {
		data.Items = []LineItem{}
	}
	for i := range data.Items {
		data.Items[i].Name = strings.TrimSpace(data.Items[i].Name)
	}
	data.Category = strings.TrimSpace(data.Category)
	if data.Date != nil {
		d := strings.TrimSpace(*data.Date)
		if d == "" {
			data.Date = nil
		} else {
			data.Date = &d
		}
	}
}

// checkImageID logs whether the model's echoed ID matches the one it was given.
// Mismatches are only reported; results are never reordered.
func checkImageID(r ImageAnalysis, uris []string) {
	if r.ImageIndex < 0 || r.ImageIndex >= len(uris) {
		slog.Warn("Analysis result index out of range",
			"image_index", r.ImageIndex,
			"returned_id", r.ImageURI,
			"submitted", len(uris),
		)
		return
	}
	expected := shortID(r.ImageIndex, uris[r.ImageIndex])
	if expected != r.ImageURI {
		slog.Warn("Analysis result ID mismatch",
			"image_index", r.ImageIndex,
			"expected_id", expected,
			"returned_id", r.ImageURI,
			"uri", uris[r.ImageIndex],
		)
		return
	}
	slog.Debug("Analysis result",
		"image_index", r.ImageIndex,
		"id", expected,
		"is_receipt", r.IsReceipt,
		"has_analysis", r.Analysis != nil,
	)
}
