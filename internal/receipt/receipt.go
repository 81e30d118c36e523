package receipt

import (
	"fmt"

	"github.com/zombor/palbudget/internal/scanning"
)

// ImageReference is an imported image. URI is unique and DateCreated is in
// epoch milliseconds.
type ImageReference struct {
	URI         string `json:"uri"`
	DateCreated int64  `json:"date_created"`
}

// LineItem is a single purchased item. Price is in minor units (cents).
type LineItem struct {
	Name  string `json:"name"`
	Price int    `json:"price"`
}

// Analysis is the structured extraction for an image that is a receipt
type Analysis struct {
	Items      []LineItem `json:"items"`
	Category   Category   `json:"category"`
	FinalPrice int        `json:"final_price"` // Amount in cents
	Date       *string    `json:"date"`        // As printed, may not be parseable
}

// Status tracks where an image is in the analysis lifecycle.
type Status int

const (
	// StatusUnanalyzed has not been analyzed, or its analysis failed
	StatusUnanalyzed Status = iota
	// StatusRejected was analyzed and is not a receipt. Never persisted.
	StatusRejected
	// StatusConfirmed was analyzed as a receipt and carries an Analysis
	StatusConfirmed
)

var statusNames = map[Status]string{
	StatusUnanalyzed: "unanalyzed",
	StatusRejected:   "rejected",
	StatusConfirmed:  "confirmed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(text))
}

// ImageWithAnalysis joins an image with its analysis state.
// Analysis is set only when Status is StatusConfirmed.
type ImageWithAnalysis struct {
	Image    ImageReference `json:"image"`
	Status   Status         `json:"status"`
	Analysis *Analysis      `json:"analysis,omitempty"`
}

// IsReceipt reports whether the image was confirmed as a receipt
func (i ImageWithAnalysis) IsReceipt() bool {
	return i.Status == StatusConfirmed && i.Analysis != nil
}

// analysisFromScan converts an analyzer result into the domain form
func analysisFromScan(data *scanning.ReceiptData) *Analysis {
	if data == nil {
		return nil
	}
	items := make([]LineItem, 0, len(data.Items))
	for _, item := range data.Items {
		items = append(items, LineItem{Name: item.Name, Price: item.Price})
	}
	return &Analysis{
		Items:      items,
		Category:   ParseCategory(data.Category),
		FinalPrice: data.FinalPrice,
		Date:       data.Date,
	}
}
