package log

import (
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// stackHook attaches the call stack to events at error level and above.
type stackHook struct{}

func (h *stackHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	if level < zerolog.ErrorLevel {
		return
	}

	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(5, pcs[:])
	if 0 == n {
		return
	}

	arr := zerolog.Arr()
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "github.com/rs/zerolog") {
			arr.Dict(zerolog.Dict().
				Str("function", frame.Function).
				Str("file", frame.File).
				Int("line", frame.Line),
			)
		}
		if !more {
			break
		}
	}
	e.Array("stack", arr)
}
