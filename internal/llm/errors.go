package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"
	"google.golang.org/genai"
)

// ErrorType classifies reasoner failures.
type ErrorType int

const (
	// ErrorTypeTransient is a temporary failure (5xx, network).
	ErrorTypeTransient ErrorType = iota
	// ErrorTypeAPILimit is rate limiting or quota exhaustion (429).
	ErrorTypeAPILimit
	// ErrorTypeContextOverflow means the prompt exceeded the context window.
	ErrorTypeContextOverflow
	// ErrorTypeFatal is a non-retryable failure (bad request, auth).
	ErrorTypeFatal
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeAPILimit:
		return "api_limit"
	case ErrorTypeContextOverflow:
		return "context_overflow"
	case ErrorTypeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("ErrorType(%d)", int(t))
	}
}

// ReasonerError is a classified provider failure.
type ReasonerError struct {
	Type       ErrorType
	Retryable  bool
	StatusCode int
	Message    string
	Cause      error
}

func (e *ReasonerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("reasoner %s error (HTTP %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("reasoner %s error: %s", e.Type, e.Message)
}

func (e *ReasonerError) Unwrap() error { return e.Cause }

// classifyByStatusCode maps an HTTP status to a ReasonerError.
func classifyByStatusCode(statusCode int, err error) *ReasonerError {
	re := &ReasonerError{StatusCode: statusCode, Message: err.Error(), Cause: err}
	switch {
	case statusCode == http.StatusTooManyRequests:
		re.Type, re.Retryable = ErrorTypeAPILimit, true
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusConflict, statusCode >= 500:
		re.Type, re.Retryable = ErrorTypeTransient, true
	default:
		re.Type, re.Retryable = ErrorTypeFatal, false
	}
	return re
}

// classifyError inspects SDK error types for a status code and falls back
// to message heuristics.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var re *ReasonerError
	if errors.As(err, &re) {
		return err
	}

	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return classifyByStatusCode(openaiErr.StatusCode, err)
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return classifyByStatusCode(anthropicErr.StatusCode, err)
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return classifyByStatusCode(genaiErr.Code, err)
	}
	var genaiErrPtr *genai.APIError
	if errors.As(err, &genaiErrPtr) && genaiErrPtr != nil {
		return classifyByStatusCode(genaiErrPtr.Code, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context length") || strings.Contains(msg, "context window") || strings.Contains(msg, "too many tokens"):
		return &ReasonerError{Type: ErrorTypeContextOverflow, Message: err.Error(), Cause: err}
	case IsRateLimit(err):
		return &ReasonerError{Type: ErrorTypeAPILimit, Retryable: true, Message: err.Error(), Cause: err}
	default:
		return &ReasonerError{Type: ErrorTypeTransient, Retryable: true, Message: err.Error(), Cause: err}
	}
}

// IsRateLimit reports whether err signals rate limiting: a classified
// APILimit error, or error text mentioning 429, quota or a rate limit.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var re *ReasonerError
	if errors.As(err, &re) && re.Type == ErrorTypeAPILimit {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "resource_exhausted")
}
