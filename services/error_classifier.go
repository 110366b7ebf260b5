package services

import "strings"

// ErrorType classifies a stage failure so the retry scheduler and the
// recovery sweepers can decide whether backing off and retrying is worth
// it at all.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeLLM        ErrorType = "llm"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeOCR        ErrorType = "ocr"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeUnknown    ErrorType = "unknown"
)

// ClassifyError inspects an error's message and returns its category plus
// whether a retry has a reasonable chance of succeeding. Validation and
// malformed-input errors are never recoverable: retrying them burns a
// retry budget on a failure that cannot self-heal.
func ClassifyError(err error) (ErrorType, bool) {
	if err == nil {
		return ErrorTypeUnknown, false
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "connection"),
		strings.Contains(errStr, "network"),
		strings.Contains(errStr, "dial"),
		strings.Contains(errStr, "eof"),
		strings.Contains(errStr, "reset by peer"):
		return ErrorTypeNetwork, true

	case strings.Contains(errStr, "inference api"),
		strings.Contains(errStr, "status 429"),
		strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "status 500"),
		strings.Contains(errStr, "status 502"),
		strings.Contains(errStr, "status 503"),
		strings.Contains(errStr, "status 504"),
		strings.Contains(errStr, "llm"):
		return ErrorTypeLLM, true

	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "context deadline"):
		return ErrorTypeTimeout, true

	case strings.Contains(errStr, "ocr service"),
		strings.Contains(errStr, "extract text"):
		return ErrorTypeOCR, true

	case strings.Contains(errStr, "database"),
		strings.Contains(errStr, "transaction"),
		strings.Contains(errStr, "sql"),
		strings.Contains(errStr, "gorm"):
		return ErrorTypeDatabase, false

	case strings.Contains(errStr, "validation"),
		strings.Contains(errStr, "invalid"),
		strings.Contains(errStr, "required"):
		return ErrorTypeValidation, false

	default:
		return ErrorTypeUnknown, false
	}
}
