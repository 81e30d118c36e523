package scanning

import "fmt"

// ErrorKind classifies why an analysis request failed.
type ErrorKind int

const (
	// ErrKindConfig means the analyzer is missing configuration such as an API key.
	ErrKindConfig ErrorKind = iota
	// ErrKindRequest means the outbound request could not be built.
	ErrKindRequest
	// ErrKindNetwork means the request never produced an HTTP response.
	ErrKindNetwork
	// ErrKindProtocol means the endpoint answered with a non-200 status.
	ErrKindProtocol
	// ErrKindDecode means the response did not match the expected shape.
	ErrKindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindConfig:
		return "config"
	case ErrKindRequest:
		return "request"
	case ErrKindNetwork:
		return "network"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindDecode:
		return "decode"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// AnalysisError is the only error type returned by Analyzer implementations.
type AnalysisError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Cause      error
}

func (e *AnalysisError) Error() string {
	return e.Message
}

func (e *AnalysisError) Unwrap() error {
	return e.Cause
}

func configError(msg string) *AnalysisError {
	return &AnalysisError{Kind: ErrKindConfig, Message: msg}
}

func requestError(err error) *AnalysisError {
	return &AnalysisError{Kind: ErrKindRequest, Message: "Request serialization error: " + err.Error(), Cause: err}
}

func networkError(err error) *AnalysisError {
	return &AnalysisError{Kind: ErrKindNetwork, Message: "Network error: " + err.Error(), Cause: err}
}

func protocolError(status int, body []byte) *AnalysisError {
	return &AnalysisError{
		Kind:       ErrKindProtocol,
		StatusCode: status,
		Message:    fmt.Sprintf("API Error (%d): %s", status, excerpt(body, maxErrorBody)),
	}
}

func decodeError(err error) *AnalysisError {
	return &AnalysisError{Kind: ErrKindDecode, Message: "Response deserialization error: " + err.Error(), Cause: err}
}

const maxErrorBody = 512

func excerpt(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}
