package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"

	// Transport failure taxonomy (outbound resilience engine).
	CodeChannelUnavailable ErrorCode = "CHANNEL_UNAVAILABLE"
	CodeProviderTimeout    ErrorCode = "PROVIDER_TIMEOUT"
	CodeProviderSendFailed ErrorCode = "PROVIDER_SEND_FAILED"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"

	// Provider execution taxonomy.
	CodeProviderExecution ErrorCode = "PROVIDER_EXECUTION_ERROR"
	CodeOllamaExecution   ErrorCode = "OLLAMA_EXECUTION_ERROR"
	CodeCodexExecution    ErrorCode = "CODEX_EXECUTION_ERROR"

	// Data / marketplace taxonomy.
	CodeSkillMarketplace ErrorCode = "SKILL_MARKETPLACE_ERROR"
	CodeBackup           ErrorCode = "BACKUP_ERROR"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidInputError 创建无效输入错误
func NewInvalidInputError(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: message,
	}
}

// NewAlreadyExistsError 创建已存在错误
func NewAlreadyExistsError(message string) *AppError {
	return &AppError{
		Code:    CodeAlreadyExists,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
	}
}

// NewInternalErrorWithCause 创建带原因的内部错误
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     cause,
	}
}

// NewChannelUnavailableError reports a channel that cannot accept sends
// right now (adapter not configured, dependency missing, or the breaker
// open).
func NewChannelUnavailableError(reason string) *AppError {
	return &AppError{Code: CodeChannelUnavailable, Message: reason}
}

// NewCircuitOpenError reports a send blocked by an open circuit breaker.
func NewCircuitOpenError(channel string) *AppError {
	return &AppError{Code: CodeCircuitOpen, Message: fmt.Sprintf("circuit open for channel %q", channel)}
}

// NewProviderTimeoutError reports a provider call that exceeded its deadline.
func NewProviderTimeoutError(cause error) *AppError {
	return &AppError{Code: CodeProviderTimeout, Message: "provider request timed out", Err: cause}
}

// NewProviderSendFailedError reports a non-timeout send failure.
func NewProviderSendFailedError(cause error) *AppError {
	return &AppError{Code: CodeProviderSendFailed, Message: "send failed", Err: cause}
}

// NewProviderExecutionError reports a remote LLM provider failure (missing
// token, HTTP error, malformed response, exhausted rate-limit retries).
func NewProviderExecutionError(message string, cause error) *AppError {
	return &AppError{Code: CodeProviderExecution, Message: message, Err: cause}
}

// NewOllamaExecutionError reports a local ollama invocation failure.
func NewOllamaExecutionError(message string, cause error) *AppError {
	return &AppError{Code: CodeOllamaExecution, Message: message, Err: cause}
}

// NewCodexExecutionError reports an OpenAI-Codex OAuth execution failure.
func NewCodexExecutionError(message string, cause error) *AppError {
	return &AppError{Code: CodeCodexExecution, Message: message, Err: cause}
}

// NewSkillMarketplaceError reports an invalid slug/version/checksum, a
// blocked download host, or a path-traversal attempt during install.
func NewSkillMarketplaceError(message string) *AppError {
	return &AppError{Code: CodeSkillMarketplace, Message: message}
}

// NewBackupError reports a failed backup/restore during a forced skill
// install.
func NewBackupError(message string, cause error) *AppError {
	return &AppError{Code: CodeBackup, Message: message, Err: cause}
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return false
}

// IsInvalidInput 判断是否为无效输入错误
func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeInvalidInput
	}
	return false
}

// IsCircuitOpen reports whether err is a breaker-open rejection.
func IsCircuitOpen(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeCircuitOpen
	}
	return false
}

// IsChannelUnavailable reports whether err means the transport cannot be
// used right now.
func IsChannelUnavailable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeChannelUnavailable
	}
	return false
}

// Code extracts the ErrorCode from err, or "" if err is not an *AppError.
func Code(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
