package utils

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"gitlab.com/timkado/api/daisi-wa-session-orchestrator/pkg/logger"
	"go.uber.org/zap"
)

// RecoverFn is a function that handles a recovered panic
type RecoverFn func(r interface{}, stack []byte)

// SafeGo executes the given function in a goroutine with panic recovery
func SafeGo(fn func(), onPanic RecoverFn) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if onPanic != nil {
					onPanic(r, stack)
					return
				}
				if logger.Log != nil {
					logger.Log.Error("[panic] Recovered from panic in goroutine",
						zap.Any("panic", r),
						zap.ByteString("stack", stack),
					)
					return
				}
				fmt.Fprintf(os.Stderr, "[PANIC] Recovered from panic in goroutine: %v\n%s\n", r, stack)
			}
		}()
		fn()
	}()
}

// GoWithContext runs fn in a recovered goroutine, logging any panic through the ctx logger.
func GoWithContext(ctx context.Context, operation string, fn func(ctx context.Context)) {
	SafeGo(func() { fn(ctx) }, func(r interface{}, stack []byte) {
		logger.FromContext(ctx).Error(fmt.Sprintf("[panic] Recovered from panic during %s", operation),
			zap.Any("panic", r),
			zap.ByteString("stack", stack),
		)
	})
}
