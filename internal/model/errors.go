package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTooBig              = errors.New("file too big")
	ErrEncoding            = errors.New("unsupported encoding")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrNotInstalled        = errors.New("artifact not installed")
	ErrNoMatchingRelease   = errors.New("no matching release")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// ScanError means a whole file was skipped.
type ScanError struct {
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scanning %s: %v", e.Path, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// MarkerError means a single marker was skipped, the rest of the file is
// still scanned.
type MarkerError struct {
	Path     string
	Line     int
	Function string
	Reason   string
}

func (e *MarkerError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:%d: malformed marker", e.Path, e.Line)
	if e.Function != "" {
		fmt.Fprintf(&sb, " on %s", e.Function)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Reason)
	return sb.String()
}

type Location struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// DuplicateNameError reports two functions sharing a qualified name. First
// is the occurrence that stays authoritative.
type DuplicateNameError struct {
	QualifiedName string
	First         Location
	Second        Location
}

func (e *DuplicateNameError) Error() string {
	if e.First.File == e.Second.File {
		return fmt.Sprintf("duplicate function %s at %s (first declared at line %d)", e.QualifiedName, e.Second, e.First.Line)
	}
	return fmt.Sprintf("ambiguous function name %s declared in %s and %s", e.QualifiedName, e.First, e.Second)
}

type IntegrityError struct {
	Artifact string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check of %s failed: expected %s, got %s", e.Artifact, e.Expected, e.Actual)
}

type NetworkError struct {
	Op       string
	URL      string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.URL, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProcessError carries the tail of the engine's stderr so the failure can
// be diagnosed without rerunning it.
type ProcessError struct {
	Op       string
	ExitCode int
	Stderr   []string
	Err      error
}

func (e *ProcessError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	if e.ExitCode != 0 {
		fmt.Fprintf(&sb, " (exit code %d)", e.ExitCode)
	}
	if len(e.Stderr) > 0 {
		sb.WriteString(": ")
		sb.WriteString(e.Stderr[len(e.Stderr)-1])
	}
	return sb.String()
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

type ProxyUpstreamError struct {
	Endpoint string
	Err      error
}

func (e *ProxyUpstreamError) Error() string {
	if e.Endpoint == "" {
		return ErrUpstreamUnavailable.Error()
	}
	return fmt.Sprintf("upstream %s: %v", e.Endpoint, e.Err)
}

func (e *ProxyUpstreamError) Unwrap() []error {
	return []error{ErrUpstreamUnavailable, e.Err}
}
