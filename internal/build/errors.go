package build

import (
	"errors"
	"fmt"
)

// ErrorKind classifies build failures. The kind decides both the process exit
// code and how much of the staging area survives the failure.
type ErrorKind int

const (
	// KindDirective covers malformed or misplaced directives and failed
	// RUN/COPY/FROM steps. Aborts the current image; the staging area is
	// torn down.
	KindDirective ErrorKind = iota
	// KindSignature marks a failed signature verification. Handled like a
	// directive error.
	KindSignature
	// KindFormat covers sizing, allocation and formatting failures after the
	// content is final. The staging tree is preserved so later images can
	// still use it as a base.
	KindFormat
	// KindIdMap marks a missing or unusable sub-id range. Fatal before any
	// build starts.
	KindIdMap
	// KindCmdline marks an invalid invocation.
	KindCmdline
)

func (k ErrorKind) String() string {
	switch k {
	case KindDirective:
		return "directive"
	case KindSignature:
		return "signature"
	case KindFormat:
		return "format"
	case KindIdMap:
		return "idmap"
	case KindCmdline:
		return "cmdline"
	default:
		return "unknown"
	}
}

// BuildError carries the failure class together with the offending file and
// directive context for operator-facing reporting.
type BuildError struct {
	Kind      ErrorKind
	File      string
	Line      int
	Directive string
	Err       error
}

func (e *BuildError) Error() string {
	var prefix string
	switch {
	case e.File != "" && e.Line > 0 && e.Directive != "":
		prefix = fmt.Sprintf("%s:%d: %s: ", e.File, e.Line, e.Directive)
	case e.File != "" && e.Line > 0:
		prefix = fmt.Sprintf("%s:%d: ", e.File, e.Line)
	case e.File != "":
		prefix = e.File + ": "
	}
	return prefix + e.Err.Error()
}

func (e *BuildError) Unwrap() error { return e.Err }

// DirectiveError wraps err as a directive-level failure.
func DirectiveError(file string, line int, directive string, err error) error {
	return &BuildError{Kind: KindDirective, File: file, Line: line, Directive: directive, Err: err}
}

// DirectiveErrorf is DirectiveError with fmt-style message construction.
func DirectiveErrorf(file string, line int, directive, format string, args ...interface{}) error {
	return DirectiveError(file, line, directive, fmt.Errorf(format, args...))
}

// SignatureError wraps err as a failed signature verification.
func SignatureError(file string, line int, directive string, err error) error {
	return &BuildError{Kind: KindSignature, File: file, Line: line, Directive: directive, Err: err}
}

// FormatError wraps err as a post-content failure (sizing, allocation or
// formatting).
func FormatError(file string, err error) error {
	return &BuildError{Kind: KindFormat, File: file, Err: err}
}

// KindOf extracts the error kind, defaulting to KindDirective for errors that
// did not come out of the build engine.
func KindOf(err error) ErrorKind {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindDirective
}
