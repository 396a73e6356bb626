package embedding

import (
	"errors"
	"fmt"
	"time"
)

// Kind 区分可重试与不可重试的错误。
type Kind int

const (
	Retryable Kind = iota + 1
	Terminal
)

// 错误原因编码，会写入训练条目的 errorMsg。
const (
	CodeRateLimited       = "embedding_rate_limited"
	CodeTimeout           = "embedding_timeout"
	CodeServerError       = "embedding_server_error"
	CodeNetwork           = "embedding_network"
	CodeBadRequest        = "embedding_bad_request"
	CodeUnauthorized      = "embedding_unauthorized"
	CodeMalformedResponse = "embedding_malformed_response"
	CodeEmptyInput        = "embedding_empty_input"
)

// Error embedding 调用失败，Error() 只包含原因编码与状态码，不包含服务端原始响应。
type Error struct {
	Kind       Kind
	Code       string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d)", e.Code, e.StatusCode)
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable 报告 err 是否属于可重试的 embedding 错误。
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Retryable
}

// IsRateLimited 报告 err 是否为 429 限流。
func IsRateLimited(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == CodeRateLimited
}

// Code 返回错误原因编码，非 embedding 错误返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
