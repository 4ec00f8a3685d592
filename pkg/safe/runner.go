package safe

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"gopherex.com/execsim/pkg/logger"
)

// Go 安全启动协程
func Go(fn func()) {
	go func() {
		defer recoverAndLog(context.Background())
		fn()
	}()
}

// GoCtx 安全启动携带 context 的协程，便于在日志中保留链路信息。
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverAndLog(ctx)
		fn(ctx)
	}()
}

// GoWG 同 Go，但挂到 WaitGroup 上，panic 也会 Done
func GoWG(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recoverAndLog(context.Background())
		fn()
	}()
}

// PanicError panic 被 Call 转成 error
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Call 同步执行 fn，把 panic 转成 *PanicError 返回，调用方决定 nak/重试
func Call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Value: r, Stack: debug.Stack()}
			logger.Error(ctx, "🚨 HANDLER PANIC RECOVERED",
				zap.Any("panic", r),
				zap.ByteString("stack", pe.Stack),
			)
			err = pe
		}
	}()
	return fn(ctx)
}

func recoverAndLog(ctx context.Context) {
	if r := recover(); r != nil {
		logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
	}
}
