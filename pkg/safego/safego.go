package safego

import (
	"go.uber.org/zap"
)

// Go launches fn on a new goroutine with panic recovery. A panicking
// goroutine logs the panic value with a stack and exits instead of
// crashing the process. name identifies the goroutine in logs.
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
