package go_func_utils

import (
	"fmt"
	"log"
	"runtime/debug"
)

// SafeGo runs fn on a new goroutine. A panic is written to logger with its
// stack before it is re-raised, since the terminal UI swallows stderr.
func SafeGo(logger *log.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}

// SafeCall runs fn on the calling goroutine and converts a panic into an
// error. Used for timer and listener callbacks that must not take down the
// goroutine delivering them.
func SafeCall(logger *log.Logger, name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("PANIC in %s: %v\n%s", name, r, debug.Stack())
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	fn()
	return nil
}
