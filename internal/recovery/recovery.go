// Package recovery provides panic recovery helpers for goroutines.
package recovery

import (
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// RecoverWithLog recovers a panic and logs it with its stack. Defer it at the
// top of a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "capture")
//	    ...
//	}()
func RecoverWithLog(logger *zap.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers a panic, logs it and calls callback with the
// recovered value.
func RecoverWithCallback(logger *zap.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

func logPanic(logger *zap.Logger, name string, r any) {
	logger.Error("panic recovered",
		zap.String("goroutine", name),
		zap.String("panic", fmt.Sprintf("%v", r)),
		zap.ByteString("stack", debug.Stack()),
	)
}
