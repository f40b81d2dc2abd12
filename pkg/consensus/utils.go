package consensus

import (
	"bytes"
	"fmt"
	"runtime"
)

func Panicf(format string, args ...interface{}) {
	panic(fmt.Sprintf(format, args...))
}

func RecoverValueString(value interface{}) (msg string) {
	switch v := value.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%#v", v)
	}

	return
}

// StackTrace formats up to depth frames of the calling goroutine, starting
// with the caller of StackTrace.
func StackTrace(depth int) string {
	pc := make([]uintptr, depth)

	nbFrames := runtime.Callers(2, pc)
	pc = pc[:nbFrames]

	var buf bytes.Buffer

	frames := runtime.CallersFrames(pc)
	for {
		frame, more := frames.Next()

		fmt.Fprintf(&buf, "%s\n  %s:%d\n", frame.Function, frame.File,
			frame.Line)

		if !more {
			break
		}
	}

	return buf.String()
}

// RecoverLoop is deferred at the top of every long-running goroutine of a
// node: it turns a panic into an error report instead of crashing the
// process.
func RecoverLoop(log Logger, errorChan chan<- error, onPanic func()) {
	value := recover()
	if value == nil {
		return
	}

	msg := RecoverValueString(value)
	trace := StackTrace(10)
	log.Error("panic: %s\n%s", msg, trace)

	if errorChan != nil {
		select {
		case errorChan <- fmt.Errorf("panic: %s", msg):
		default:
		}
	}

	if onPanic != nil {
		onPanic()
	}
}
