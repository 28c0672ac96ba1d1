package logger

import (
	"reflect"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// packagePath is the import path of this package, read from a type so a
// module rename does not silently break frame filtering.
var packagePath = reflect.TypeOf(Log{}).PkgPath()

const (
	logrusPath  = "github.com/sirupsen/logrus"
	callerDepth = 24
)

// callerHook points entry.Caller at the first frame outside logrus and the
// wrappers in this package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if frame, ok := externalCaller(); ok {
		entry.Caller = &frame
	}
	return nil
}

// externalCaller walks the stack past runtime.Callers, this hook and logrus
// internals. Test functions of this package count as callers.
func externalCaller() (runtime.Frame, bool) {
	pcs := make([]uintptr, callerDepth)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if isExternal(frame.Function) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

func isExternal(fn string) bool {
	if fn == "" || strings.HasPrefix(fn, "runtime.") || strings.HasPrefix(fn, logrusPath) {
		return false
	}
	if rest, ok := strings.CutPrefix(fn, packagePath+"."); ok {
		return strings.HasPrefix(rest, "Test")
	}
	return true
}
