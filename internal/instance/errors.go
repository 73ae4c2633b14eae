package instance

import (
	"errors"
	"fmt"
)

var (
	ErrPathEscapesRoot = errors.New("path escapes instance root")
	ErrEmptyPath       = errors.New("empty path")
	ErrDuplicatePath   = errors.New("path listed more than once")
	ErrBadOrigin       = errors.New("malformed origin uri")
)

// InvalidPathError rejects a manifest path before any I/O happens.
type InvalidPathError struct {
	Path string
	Err  error
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %v", e.Path, e.Err)
}

func (e *InvalidPathError) Unwrap() error { return e.Err }
