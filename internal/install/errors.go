package install

import (
	"fmt"
	"strings"
)

// UnresolvedSourceError is returned for a file no strategy can install.
type UnresolvedSourceError struct {
	Path string
}

func (e *UnresolvedSourceError) Error() string {
	return fmt.Sprintf("no usable source for %s", e.Path)
}

// FileError ties a failure to the manifest path it happened for.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return e.Path + ": " + e.Err.Error() }

func (e FileError) Unwrap() error { return e.Err }

// PartialFailure aggregates the per-file failures of one run. Files not
// listed were installed or were never attempted because of cancellation.
type PartialFailure struct {
	Failures []FileError
}

func (e *PartialFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d file(s) failed", len(e.Failures))
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-i)
			break
		}
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

func (e *PartialFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f)
	}
	return out
}

// Paths lists the failed paths in order.
func (e *PartialFailure) Paths() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Path)
	}
	return out
}
