package errors

import (
	stdErrors "errors"
	"fmt"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，决定调度失败时的日志级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message  string
	Severity Severity
	// Retryable 表示节点侧的暂时故障，换端点或下一轮重试可能成功，计入端点切换的错误计数。
	Retryable bool
	// Fatal 表示该错误只会在启动阶段出现，出现后进程不应进入调度循环。
	Fatal bool
}

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeTransientLedger     Code = "TRANSIENT_LEDGER"
	CodeTransactionRejected Code = "TRANSACTION_REJECTED"
	CodeConfiguration       Code = "CONFIGURATION"
	CodeCredential          Code = "CREDENTIAL"
	CodeStorageFailure      Code = "STORAGE_FAILURE"
	CodePublishFailure      Code = "PUBLISH_FAILURE"
	CodeLeaseHeld           Code = "LEASE_HELD"
)

var (
	registry = map[Code]Attributes{
		CodeUnknown: {
			Message:  "unknown error",
			Severity: SeverityCritical,
		},
		CodeTransientLedger: {
			Message:   "transient ledger failure",
			Severity:  SeverityWarning,
			Retryable: true,
		},
		CodeTransactionRejected: {
			Message:   "transaction rejected",
			Severity:  SeverityWarning,
			Retryable: true,
		},
		CodeConfiguration: {
			Message:  "invalid configuration",
			Severity: SeverityCritical,
			Fatal:    true,
		},
		CodeCredential: {
			Message:  "signing identity unavailable",
			Severity: SeverityCritical,
			Fatal:    true,
		},
		CodeStorageFailure: {
			Message:  "storage failure",
			Severity: SeverityWarning,
		},
		CodePublishFailure: {
			Message:  "publish failure",
			Severity: SeverityInfo,
		},
		CodeLeaseHeld: {
			Message:  "cycle lease held by another process",
			Severity: SeverityInfo,
		},
	}
)

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Retryable
}

// Fatal 判断错误是否应当终止启动流程。
func (e *Error) Fatal() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Fatal
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// FatalError 判断任意 error 是否属于启动期致命错误。
func FatalError(err error) bool {
	if e, ok := From(err); ok {
		return e.Fatal()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
