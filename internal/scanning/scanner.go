package scanning

import "context"

// LineItem is a single purchased item on a receipt. Price is in minor units (cents).
type LineItem struct {
	Name  string `json:"name"`
	Price int    `json:"price"`
}

// ReceiptData contains extracted information from a receipt
type ReceiptData struct {
	Items      []LineItem `json:"items"`
	Category   string     `json:"category"`
	FinalPrice int        `json:"final_price"` // Amount in cents
	Date       *string    `json:"date"`        // Free-form, as printed on the receipt
}

// ImageAnalysis is the model's verdict for one submitted image.
// Analysis is expected to be set when IsReceipt is true and nil otherwise.
type ImageAnalysis struct {
	ImageIndex int          `json:"image_index"`
	ImageURI   string       `json:"image_uri"`
	IsReceipt  bool         `json:"is_receipt"`
	Analysis   *ReceiptData `json:"analysis"`
}

// Analyzer defines the interface for receipt analysis operations
type Analyzer interface {
	// AnalyzeReceipts submits the base64 data URIs in images as one request.
	// uris holds the original image URIs in the same order; they are used for
	// prompt context and logging only. Any returned error is an *AnalysisError.
	AnalyzeReceipts(ctx context.Context, images []string, uris []string) ([]ImageAnalysis, error)
	// Close closes the analyzer and releases resources
	Close() error
}
