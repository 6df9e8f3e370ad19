package scanner

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPortSpec 端口规格无法解析
	ErrMalformedPortSpec = errors.New("malformed port spec")
	// ErrUnresolvableTarget 目标地址无法解析
	ErrUnresolvableTarget = errors.New("unresolvable target")
	// ErrScanInterrupted 扫描被中断，结果不完整
	ErrScanInterrupted = errors.New("scan interrupted")
)

// MalformedPortSpecError 指明出错的端口片段
type MalformedPortSpecError struct {
	Token  string
	Reason string
}

func (e *MalformedPortSpecError) Error() string {
	return fmt.Sprintf("%v: %q: %s", ErrMalformedPortSpec, e.Token, e.Reason)
}

func (e *MalformedPortSpecError) Unwrap() error {
	return ErrMalformedPortSpec
}

// UnresolvableTargetError 目标既不是IP也无法通过DNS解析
type UnresolvableTargetError struct {
	Host string
	Err  error
}

func (e *UnresolvableTargetError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %q", ErrUnresolvableTarget, e.Host)
	}
	return fmt.Sprintf("%v: %q: %v", ErrUnresolvableTarget, e.Host, e.Err)
}

func (e *UnresolvableTargetError) Is(target error) bool {
	return target == ErrUnresolvableTarget
}

func (e *UnresolvableTargetError) Unwrap() error {
	return e.Err
}
