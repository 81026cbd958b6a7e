package genvmclient

import (
	"encoding/json"
)

// ErrorCode is the Node Runner's classification of a sidecar failure,
// derived from a ModuleError's causes (spec.md §6.1).
type ErrorCode string

const (
	ErrLLMNoProvider     ErrorCode = "LLM_NO_PROVIDER"
	ErrLLMProviderError  ErrorCode = "LLM_PROVIDER_ERROR"
	ErrLLMRateLimited    ErrorCode = "LLM_RATE_LIMITED"
	ErrWebRequestFailed  ErrorCode = "WEB_REQUEST_FAILED"
	ErrWebTLDForbidden   ErrorCode = "WEB_TLD_FORBIDDEN"
	ErrUnknown           ErrorCode = "UNKNOWN"
)

// ErrorContext carries the sidecar's diagnostic detail for one failed
// provider call (spec.md §6.1, ModuleError.ctx.primary_error).
type ErrorContext struct {
	Status       int    `json:"status"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	ErrorMessage string `json:"error_message"`
}

// ModuleError is the sidecar's failure envelope (spec.md §6.1):
//
//	ModuleError { causes: [CODE, ...], fatal: bool, ctx: { primary_error, fallback_error? } }
type ModuleError struct {
	Causes       []string      `json:"causes"`
	Fatal        bool          `json:"fatal"`
	PrimaryError *ErrorContext `json:"primary_error,omitempty"`
	FallbackError *ErrorContext `json:"fallback_error,omitempty"`
}

func (e *ModuleError) Error() string {
	if e.PrimaryError != nil {
		return e.PrimaryError.ErrorMessage
	}
	if len(e.Causes) > 0 {
		return e.Causes[0]
	}
	return "genvmclient: module error"
}

// IsFatal reports whether the Node Runner must escalate this failure to
// an InternalExecutorError when it occurred on the leader (spec.md §7).
func (e *ModuleError) IsFatal() bool { return e.Fatal }

// ParseModuleError decodes raw into a *ModuleError. Malformed payloads
// are wrapped as an unknown, non-fatal ModuleError rather than returned
// as a plain decode error, since the caller's retry/escalate logic always
// expects a *ModuleError from a non-2xx response.
func ParseModuleError(raw []byte) error {
	var me ModuleError
	if err := json.Unmarshal(raw, &me); err != nil {
		return &ModuleError{Causes: []string{"UNKNOWN"}, Fatal: false}
	}
	return &me
}

// Classify maps a ModuleError's causes to a single ErrorCode using the
// table in spec.md §6.1. The first recognized cause wins.
func Classify(e *ModuleError) ErrorCode {
	for _, cause := range e.Causes {
		switch cause {
		case "NO_PROVIDER_FOR_PROMPT":
			return ErrLLMNoProvider
		case "STATUS_NOT_OK":
			if e.PrimaryError != nil && isRateLimitStatus(e.PrimaryError.Status) {
				return ErrLLMRateLimited
			}
			return ErrLLMProviderError
		case "WEBPAGE_LOAD_FAILED":
			return ErrWebRequestFailed
		case "TLD_FORBIDDEN":
			return ErrWebTLDForbidden
		}
	}
	return ErrUnknown
}

func isRateLimitStatus(status int) bool {
	switch status {
	case 429, 503, 529:
		return true
	default:
		return false
	}
}
