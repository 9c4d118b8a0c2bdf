package device

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Match with errors.Is.
var (
	ErrNoPlatform         = errors.New("no compute platform available")
	ErrNoDevice           = errors.New("no matching compute device")
	ErrSourceLoad         = errors.New("kernel source could not be loaded")
	ErrBuild              = errors.New("program build failed")
	ErrAllocation         = errors.New("device allocation failed")
	ErrInvalidBuffer      = errors.New("invalid buffer")
	ErrPartition          = errors.New("invalid work partition")
	ErrEntryPointNotFound = errors.New("kernel entry point not found")
	ErrArgument           = errors.New("kernel argument mismatch")
	ErrReleased           = errors.New("handle already released")
	ErrLaunch             = errors.New("kernel launch failed")
)

// Error is a failed device-API call.
type Error struct {
	Kind error  // one of the Err* kinds above
	Op   string // failing call, e.g. "clCreateBuffer"
	Code int    // backend status code, 0 when the backend has none
	Msg  string
}

func (e *Error) Error() string {
	s := e.Op + ": " + e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Code != 0 {
		s += fmt.Sprintf(" (code %d)", e.Code)
	}
	return s
}

func (e *Error) Unwrap() error { return e.Kind }

// NewError returns an *Error with the caller's stack attached.
func NewError(kind error, op string, code int, format string, args ...interface{}) error {
	return errors.WithStack(&Error{
		Kind: kind,
		Op:   op,
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	})
}

// BuildError is returned when the device compiler rejects a program. Log is the
// compiler output, verbatim.
type BuildError struct {
	Device string
	Log    string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("program build failed on %s", e.Device)
}

func (e *BuildError) Unwrap() error { return ErrBuild }

// Code returns the backend status code carried by err, or 0.
func Code(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return 0
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// CallSite returns "file.go:line" of the innermost recorded origin of err, or ""
// when err carries no stack.
func CallSite(err error) string {
	var origin errors.StackTrace
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			origin = st.StackTrace()
		}
	}
	for _, f := range origin {
		if fn := fmt.Sprintf("%n", f); fn == "NewError" {
			continue
		}
		return fmt.Sprintf("%s:%d", f, f)
	}
	return ""
}
