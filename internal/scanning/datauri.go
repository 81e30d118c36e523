package scanning

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// dataURI formats data as a base64 data URI.
func dataURI(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// splitDataURI returns the MIME type and the still-encoded base64 payload of a data URI.
func splitDataURI(uri string) (string, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", "", fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", fmt.Errorf("data URI has no payload")
	}
	mimeType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", "", fmt.Errorf("data URI is not base64 encoded")
	}
	return mimeType, payload, nil
}

// decodeDataURI returns the MIME type and decoded bytes of a base64 data URI.
func decodeDataURI(uri string) (string, []byte, error) {
	mimeType, payload, err := splitDataURI(uri)
	if err != nil {
		return "", nil, err
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decoding base64 payload: %w", err)
	}
	return mimeType, data, nil
}
