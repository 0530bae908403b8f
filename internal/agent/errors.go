package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common sentinel errors for agent operations.
var (
	// ErrToolNotFound indicates a requested tool doesn't exist.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrQueueCleared rejects sequential queue entries discarded by a clear.
	ErrQueueCleared = errors.New("queue_cleared")

	// ErrDuplicateRunningTool indicates a running-tool id was reused.
	ErrDuplicateRunningTool = errors.New("running tool id already tracked")

	// ErrHalted indicates the agent requested completion via a control tool.
	ErrHalted = errors.New("agent halted")
)

// ErrorKind categorizes request errors for retry decisions and caller-facing
// error codes.
type ErrorKind string

const (
	// KindProvider is a generic upstream failure.
	KindProvider ErrorKind = "provider"

	// KindRateLimit is a retryable throttle response. RetryAfter may be set.
	KindRateLimit ErrorKind = "rate_limit"

	// KindQuota is an exhausted allowance. Not retryable within the request.
	KindQuota ErrorKind = "quota"

	// KindAuthentication is a missing or rejected credential.
	KindAuthentication ErrorKind = "authentication"

	// KindModelNotFound is a request for a model the catalog cannot resolve.
	KindModelNotFound ErrorKind = "model_not_found"

	// KindNoProvider is a model whose provider has no configured adapter.
	KindNoProvider ErrorKind = "no_provider"

	// KindValidation is caller-side malformed input.
	KindValidation ErrorKind = "validation"

	// KindStreamInterrupted is a dropped stream; retry restarts from scratch.
	KindStreamInterrupted ErrorKind = "stream_interrupted"

	// KindImageProcessing is a failure preparing or decoding image payloads.
	KindImageProcessing ErrorKind = "image_processing"

	// KindToolExecution is a tool failure surfaced to the model, never fatal
	// to the request.
	KindToolExecution ErrorKind = "tool_execution"
)

// Retryable reports whether reissuing the request may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindStreamInterrupted:
		return true
	default:
		return false
	}
}

// Code returns the stable wire code for error events.
func (k ErrorKind) Code() string {
	switch k {
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindQuota:
		return "QUOTA_EXCEEDED"
	case KindAuthentication:
		return "AUTHENTICATION"
	case KindModelNotFound:
		return "MODEL_NOT_FOUND"
	case KindNoProvider:
		return "NO_PROVIDER"
	case KindValidation:
		return "VALIDATION"
	case KindStreamInterrupted:
		return "STREAM_INTERRUPTED"
	case KindImageProcessing:
		return "IMAGE_PROCESSING"
	case KindToolExecution:
		return "TOOL_EXECUTION"
	case KindProvider:
		return "PROVIDER_ERROR"
	default:
		return "UNKNOWN"
	}
}

// KindFromCode inverts Code for rebuilding typed errors from wire events.
func KindFromCode(code string) ErrorKind {
	switch code {
	case "RATE_LIMIT":
		return KindRateLimit
	case "QUOTA_EXCEEDED":
		return KindQuota
	case "AUTHENTICATION":
		return KindAuthentication
	case "MODEL_NOT_FOUND":
		return KindModelNotFound
	case "NO_PROVIDER":
		return KindNoProvider
	case "VALIDATION":
		return KindValidation
	case "STREAM_INTERRUPTED":
		return KindStreamInterrupted
	case "IMAGE_PROCESSING":
		return KindImageProcessing
	case "TOOL_EXECUTION":
		return KindToolExecution
	default:
		return KindProvider
	}
}

// QuotaType narrows which allowance a quota error exhausted.
type QuotaType string

const (
	QuotaTokens   QuotaType = "tokens"
	QuotaRequests QuotaType = "requests"
	QuotaCost     QuotaType = "cost"
)

// RequestError is a classified failure from a provider adapter or the
// orchestrator itself.
type RequestError struct {
	// Kind categorizes the error for retry logic.
	Kind ErrorKind

	// Provider names the backend that produced the error, when known.
	Provider string

	// Message is the human-readable error message.
	Message string

	// StatusCode is the upstream HTTP status, when the error came off the wire.
	StatusCode int

	// RetryAfter is the server-requested cooldown for rate limit errors.
	RetryAfter time.Duration

	// Quota narrows quota errors to the exhausted allowance.
	Quota QuotaType

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Provider != "" {
		parts = append(parts, e.Provider+":")
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("(status=%d)", e.StatusCode))
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *RequestError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the orchestrator may retry the request.
func (e *RequestError) Retryable() bool {
	return e.Kind.Retryable()
}

// NewRequestError builds a RequestError of the given kind.
func NewRequestError(kind ErrorKind, provider, message string) *RequestError {
	return &RequestError{Kind: kind, Provider: provider, Message: message}
}

// WithStatus sets the upstream HTTP status code.
func (e *RequestError) WithStatus(code int) *RequestError {
	e.StatusCode = code
	return e
}

// WithRetryAfter sets the server-requested cooldown.
func (e *RequestError) WithRetryAfter(d time.Duration) *RequestError {
	e.RetryAfter = d
	return e
}

// WithQuota sets the exhausted allowance type.
func (e *RequestError) WithQuota(q QuotaType) *RequestError {
	e.Quota = q
	return e
}

// WithCause sets the underlying error.
func (e *RequestError) WithCause(err error) *RequestError {
	e.Cause = err
	return e
}

// Classify wraps an adapter error into a RequestError, inferring the kind
// from the HTTP status code and the message shape. Already-classified errors
// pass through unchanged.
//
// Precedence: an unambiguous status (401/403) wins, then quota wording, then
// throttle signals. Quota is checked before the 429 status because several
// backends return 429 for exhausted quota with wording that names it.
func Classify(provider string, statusCode int, err error) *RequestError {
	if err == nil {
		return nil
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	out := &RequestError{
		Kind:       KindProvider,
		Provider:   provider,
		Message:    err.Error(),
		StatusCode: statusCode,
		Cause:      err,
	}

	msg := strings.ToLower(err.Error())

	switch {
	case statusCode == 401 || statusCode == 403:
		out.Kind = KindAuthentication

	case strings.Contains(msg, "quota"):
		out.Kind = KindQuota
		out.Quota = quotaTypeFrom(msg)

	case statusCode == 429,
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "resource exhausted"),
		strings.Contains(msg, "overloaded"):
		out.Kind = KindRateLimit

	case strings.Contains(msg, "api key"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid authentication"):
		out.Kind = KindAuthentication

	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "does not exist or you do not have access"):
		out.Kind = KindModelNotFound

	case strings.Contains(msg, "stream closed"),
		strings.Contains(msg, "unexpected eof"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"):
		out.Kind = KindStreamInterrupted
	}

	return out
}

func quotaTypeFrom(msg string) QuotaType {
	switch {
	case strings.Contains(msg, "token"):
		return QuotaTokens
	case strings.Contains(msg, "cost"), strings.Contains(msg, "billing"), strings.Contains(msg, "spend"):
		return QuotaCost
	default:
		return QuotaRequests
	}
}

// AsRequestError extracts a RequestError from an error chain.
func AsRequestError(err error) (*RequestError, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr, true
	}
	return nil, false
}

// IsRetryable reports whether an error chain allows a retry. Unclassified
// errors are not retried.
func IsRetryable(err error) bool {
	if reqErr, ok := AsRequestError(err); ok {
		return reqErr.Retryable()
	}
	return false
}

// RetryAfterOf returns the server-requested cooldown, when present.
func RetryAfterOf(err error) time.Duration {
	if reqErr, ok := AsRequestError(err); ok {
		return reqErr.RetryAfter
	}
	return 0
}
