package event

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
)

const maxStackDepth = 64

var (
	mainModuleOnce sync.Once
	mainModulePath string
)

// ExceptionFromError builds an exception payload from err and the current stack.
// Params: err captured error; skip extra caller frames to omit.
// Returns: exception payload, nil when err is nil.
func ExceptionFromError(err error, skip int) *Exception {
	if err == nil {
		return nil
	}
	return &Exception{
		Type:       errorTypeName(err),
		Value:      errorText(err),
		Stacktrace: CurrentStack(skip + 1),
	}
}

// ExceptionFromPanic builds an exception payload from a recovered panic value.
// Params: recovered value returned by recover(); skip extra caller frames to omit.
// Returns: exception payload.
func ExceptionFromPanic(recovered any, skip int) *Exception {
	exception := &Exception{Type: "panic", Stacktrace: CurrentStack(skip + 1)}
	switch typed := recovered.(type) {
	case error:
		exception.Type = errorTypeName(typed)
		exception.Value = errorText(typed)
	case string:
		exception.Value = typed
	default:
		exception.Value = fmt.Sprint(recovered)
	}
	return exception
}

// CurrentStack captures the calling goroutine stack innermost-first.
// Params: skip frames above the caller of CurrentStack to omit.
// Returns: frames, empty when unavailable.
func CurrentStack(skip int) []Frame {
	pcs := make([]uintptr, maxStackDepth)
	count := runtime.Callers(skip+2, pcs)
	if count == 0 {
		return nil
	}

	mainModule := mainModule()
	callers := runtime.CallersFrames(pcs[:count])
	frames := make([]Frame, 0, count)
	for {
		frame, more := callers.Next()
		if frame.Function != "" {
			module := packagePath(frame.Function)
			frames = append(frames, Frame{
				File:     frame.File,
				Line:     frame.Line,
				Function: frame.Function,
				Module:   module,
				InApp:    isInApp(module, mainModule),
			})
		}
		if !more {
			break
		}
	}
	return frames
}

// errorText returns err.Error(), or the unserializable placeholder for a typed-nil
// or panicking error.
// Params: err non-nil error.
// Returns: message text.
func errorText(err error) string {
	if text, ok := callText(err, func() string { return err.Error() }); ok {
		return text
	}
	return unserializable(err)
}

// errorTypeName returns the dynamic type of the innermost wrapped error.
// Params: err non-nil error.
// Returns: Go type name such as "*fs.PathError".
func errorTypeName(err error) (name string) {
	current := err
	defer func() {
		if recover() != nil {
			name = fmt.Sprintf("%T", current)
		}
	}()
	for {
		if isNilValue(current) {
			return fmt.Sprintf("%T", current)
		}
		next := errors.Unwrap(current)
		if next == nil {
			return fmt.Sprintf("%T", current)
		}
		current = next
	}
}

// packagePath extracts the import path from a fully qualified function name.
// Params: function runtime function name (e.g. "beacon/internal/app.(*T).Run").
// Returns: package import path.
func packagePath(function string) string {
	slash := strings.LastIndex(function, "/")
	dot := strings.Index(function[slash+1:], ".")
	if dot < 0 {
		return function
	}
	return function[:slash+1+dot]
}

// isInApp reports whether module belongs to the running main module.
// Params: module package path; mainModule main module path.
// Returns: true for application frames.
func isInApp(module string, mainModule string) bool {
	if module == "main" {
		return true
	}
	if mainModule == "" {
		return false
	}
	return module == mainModule || strings.HasPrefix(module, mainModule+"/")
}

// mainModule resolves the main module path from build info once.
// Params: none.
// Returns: module path or empty string.
func mainModule() string {
	mainModuleOnce.Do(func() {
		if info, ok := debug.ReadBuildInfo(); ok {
			mainModulePath = info.Main.Path
		}
	})
	return mainModulePath
}
