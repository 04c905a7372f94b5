package client

import (
	"errors"
	"fmt"
)

// Kind 调用错误类别
type Kind string

const (
	// KindNetwork 连接建立或传输失败，请求可能未到达对端
	KindNetwork Kind = "network"
	// KindTimeout 在时限内未收到响应
	KindTimeout Kind = "timeout"
	// KindUnavailable 对端暂时不可用（无实例、熔断、429/502/503/504）
	KindUnavailable Kind = "unavailable"
	// KindApplication 对端已处理请求并返回业务失败
	KindApplication Kind = "application"
)

// Error 一次服务调用的失败结果
type Error struct {
	Kind       Kind
	Service    string
	Operation  string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("call %s %s failed: %s", e.Service, e.Operation, e.Kind)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable 报告该错误是否值得换实例重试。
// Application 类错误说明请求已被对端处理，重试会造成重复执行。
func (e *Error) Retryable() bool {
	return e.Kind != KindApplication
}

// KindOf 提取错误类别，非本包错误返回空串
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// StatusCodeOf 提取应用层状态码，没有时返回 0
func StatusCodeOf(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}
