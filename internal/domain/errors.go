package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrTimeout      = fmt.Errorf("operation timed out")
)

// Sentinel errors for the streaming core.
var (
	ErrTransport         = fmt.Errorf("transport failure")
	ErrRunAborted        = fmt.Errorf("run aborted")
	ErrStreamIdle        = fmt.Errorf("stream idle timeout")
	ErrMalformedArgs     = fmt.Errorf("malformed tool arguments")
	ErrToolExecution     = fmt.Errorf("tool execution failed")
	ErrToolNotFound      = fmt.Errorf("tool not found")
	ErrProtocolViolation = fmt.Errorf("protocol violation")
	ErrAgentNotFound     = fmt.Errorf("agent transport not found")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")

	// Transport errors mapped from HTTP status codes.
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrProviderError   = fmt.Errorf("provider error")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "SessionManager.RunAgent")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrProviderError)
}

// ErrorCode is a machine-parseable error category carried in RUN_ERROR
// events and logs.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeTransport         ErrorCode = "TRANSPORT"
	CodeRunAborted        ErrorCode = "RUN_ABORTED"
	CodeStreamIdle        ErrorCode = "STREAM_IDLE"
	CodeMalformedArgs     ErrorCode = "MALFORMED_ARGS"
	CodeToolExecution     ErrorCode = "TOOL_EXECUTION"
	CodeToolNotFound      ErrorCode = "TOOL_NOT_FOUND"
	CodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	CodeAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeContextOverflow   ErrorCode = "CONTEXT_OVERFLOW"
	CodeProviderError     ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrDuplicate:         CodeDuplicate,
	ErrInvalidInput:      CodeInvalidInput,
	ErrTimeout:           CodeTimeout,
	ErrTransport:         CodeTransport,
	ErrRunAborted:        CodeRunAborted,
	ErrStreamIdle:        CodeStreamIdle,
	ErrMalformedArgs:     CodeMalformedArgs,
	ErrToolExecution:     CodeToolExecution,
	ErrToolNotFound:      CodeToolNotFound,
	ErrProtocolViolation: CodeProtocolViolation,
	ErrAgentNotFound:     CodeAgentNotFound,
	ErrConfigLoad:        CodeConfigLoad,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrContextOverflow:   CodeContextOverflow,
	ErrProviderError:     CodeProviderError,
}

// codePriority lists sentinels from most to least specific so that an error
// wrapping several sentinels (e.g. ErrRateLimit inside ErrTransport) resolves
// deterministically.
var codePriority = []error{
	ErrRunAborted, ErrStreamIdle, ErrRateLimit, ErrAuthInvalid, ErrContextOverflow,
	ErrProviderError, ErrToolNotFound, ErrToolExecution, ErrMalformedArgs,
	ErrProtocolViolation, ErrAgentNotFound, ErrConfigLoad, ErrTransport,
	ErrNotFound, ErrDuplicate, ErrInvalidInput, ErrTimeout,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
