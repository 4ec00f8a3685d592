package xerr

import (
	"errors"
	"fmt"
)

// 执行模拟服务的错误码
const (
	ValidationError      = "EXEC-001"
	CorrelationMissing   = "EXEC-002"
	PublishFailure       = "EXEC-003"
	BufferOverflow       = "EXEC-004"
	TransportUnavailable = "EXEC-005"
	DecodeError          = "EXEC-006"
)

type CodeError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Err  error  `json:"-"`
}

func (e *CodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ErrCode:%s, Msg:%s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("ErrCode:%s, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.Err }

// Is 按错误码比较，errors.Is(err, xerr.NewErrCode(xerr.PublishFailure)) 可用
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code string, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code string) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 保留原始错误链
func Wrap(err error, code string, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, Err: err}
}

// CodeOf 取链上第一个错误码，没有则返回空串
func CodeOf(err error) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func MapErrMsg(code string) string {
	switch code {
	case ValidationError:
		return "order intent failed validation"
	case CorrelationMissing:
		return "correlation id missing, synthesized"
	case PublishFailure:
		return "publish to broker failed"
	case BufferOverflow:
		return "outbound buffer overflow"
	case TransportUnavailable:
		return "broker transport unavailable"
	case DecodeError:
		return "payload could not be decoded"
	default:
		return "unknown error"
	}
}
