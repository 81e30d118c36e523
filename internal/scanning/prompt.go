package scanning

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaName is the name reported to OpenAI for the structured output schema.
const schemaName = "ReceiptAnalysisResponse"

//go:embed assets/receipt_analysis.md
var receiptAnalysisPrompt string

//go:embed assets/openai_schema.json
var receiptAnalysisSchema []byte

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("openai_schema.json", string(receiptAnalysisSchema))
})

// schemaDocument returns the response schema as a JSON value for embedding in requests.
func schemaDocument() json.RawMessage {
	return json.RawMessage(receiptAnalysisSchema)
}

// shortID derives the identifier the model is asked to echo back as image_uri.
// It is IMG_<index>_<last 8 hex digits of the URI hash>.
func shortID(index int, uri string) string {
	sum := fmt.Sprintf("%016x", xxhash.Sum64String(uri))
	return fmt.Sprintf("IMG_%d_%s", index, sum[len(sum)-8:])
}

// buildPrompt appends the per-image ID listing to the shared prompt so the
// model can correlate its output entries with the submitted images.
func buildPrompt(uris []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(receiptAnalysisPrompt, "\n"))
	for i, uri := range uris {
		fmt.Fprintf(&b, "\n%d. Image %d (ID: %s): %s", i+1, i+1, shortID(i, uri), tail(uri, 30))
	}
	return b.String()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
