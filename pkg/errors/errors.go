package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// New creates a new instance of the base error.
func New(msg string) error {
	return fmt.Errorf("%s %s ", msg, filePath(2))
}

func Errorf(format string, a ...interface{}) error {
	return fmt.Errorf(format+" %s", append(a, filePath(2))...)
}

// Wrap creates a new error by wrapping an existing error.
func Wrap(err error, msg string) error {
	return fmt.Errorf("%s %s \ncaused by: %w ", msg, filePath(2), err)
}

func Wrapf(err error, msg string, a ...interface{}) error {
	return fmt.Errorf("%s %s \ncaused by: %w ", fmt.Sprintf(msg, a...), filePath(2), err)
}

// Is reports whether any error in err chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Unwrap returns the next error in err chain.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// filePath returns the location in which the error occurred.
func filePath(frameSkip int) string {
	pc, f, l, ok := runtime.Caller(frameSkip) // nolint
	fn := `unknown`
	if ok {
		fn = runtime.FuncForPC(pc).Name()
	}

	return fmt.Sprintf("at %s\n\t%s:%d", fn, f, l)
}
