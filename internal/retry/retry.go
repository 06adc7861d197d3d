package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy 外部调用的重试策略: 指数退避 + 随机抖动 + 可重试状态码集合。
// 除抖动的随机性外为纯计算，不持有任何连接状态。
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       time.Duration

	retryable map[int]struct{}
}

// NewPolicy 创建重试策略
func NewPolicy(maxAttempts int, initial, max, jitter time.Duration, retryableCodes []int) Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	set := make(map[int]struct{}, len(retryableCodes))
	for _, code := range retryableCodes {
		set[code] = struct{}{}
	}
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Jitter:       jitter,
		retryable:    set,
	}
}

// ComputeDelay 计算第attempt次失败后的等待时长:
// min(maxDelay, initialDelay*2^(attempt-1)) + random(0, jitter)。
// 基础退避对attempt单调不减，总时长不超过 maxDelay + jitter。
func (p Policy) ComputeDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.InitialDelay
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= p.MaxDelay {
			base = p.MaxDelay
			break
		}
	}
	if base > p.MaxDelay {
		base = p.MaxDelay
	}
	if p.Jitter > 0 {
		base += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return base
}

// IsRetryable 判断HTTP状态码是否属于可重试集合。
// 状态码0表示网络层失败（超时/连接被重置），始终可重试。
func (p Policy) IsRetryable(statusCode int) bool {
	if statusCode == 0 {
		return true
	}
	_, ok := p.retryable[statusCode]
	return ok
}

// TransientError 标记一次可能可重试的外部调用失败
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("外部调用失败 (status=%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("外部调用失败: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient 包装一个带状态码的瞬态错误
func Transient(statusCode int, err error) error {
	return &TransientError{StatusCode: statusCode, Err: err}
}

// CallError 重试结束后的终态错误，携带尝试次数与最后一次失败的上下文
type CallError struct {
	Op         string
	Attempts   int
	StatusCode int
	LastErr    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s 在 %d 次尝试后失败 (status=%d): %v", e.Op, e.Attempts, e.StatusCode, e.LastErr)
}

func (e *CallError) Unwrap() error {
	return e.LastErr
}

// Do 以有界重试循环执行fn。
// 瞬态且状态码可重试的失败按ComputeDelay等待后重试；
// 不可重试失败或重试耗尽时返回*CallError。
func Do(ctx context.Context, op string, p Policy, fn func(context.Context) error) error {
	var lastErr error
	var lastCode int

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		lastCode = 0

		var te *TransientError
		if !errors.As(err, &te) || !p.IsRetryable(te.StatusCode) {
			if te != nil {
				lastCode = te.StatusCode
			}
			return &CallError{Op: op, Attempts: attempt, StatusCode: lastCode, LastErr: err}
		}
		lastCode = te.StatusCode

		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return &CallError{Op: op, Attempts: attempt, StatusCode: lastCode, LastErr: ctx.Err()}
		case <-time.After(p.ComputeDelay(attempt)):
		}
	}

	return &CallError{Op: op, Attempts: p.MaxAttempts, StatusCode: lastCode, LastErr: lastErr}
}
