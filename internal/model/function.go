package model

import (
	"cmp"
	"errors"
	"strings"
)

type Language string

const (
	LanguageRust       Language = "rust"
	LanguagePython     Language = "python"
	LanguageTypeScript Language = "typescript"
	LanguageJavaScript Language = "javascript"
	LanguageGo         Language = "go"
)

// SourceFile is a file read from the scanned tree. Path is relative to the
// scan root and slash separated.
type SourceFile struct {
	Path     string
	Language Language
	Content  []byte
}

// Function is an instrumented function. Its identity is the pair
// (QualifiedName, File). The field order is the export order.
type Function struct {
	QualifiedName string   `json:"qualifiedName"`
	Module        string   `json:"module"`
	File          string   `json:"file"`
	LineStart     int      `json:"lineStart"`
	LineEnd       int      `json:"lineEnd"`
	Language      Language `json:"language"`
	MetricNames   []string `json:"metricNames"`
}

func (f Function) Location() Location {
	return Location{File: f.File, Line: f.LineStart}
}

// Compare orders functions by file, line and qualified name.
func Compare(a, b Function) int {
	return cmp.Or(
		cmp.Compare(a.File, b.File),
		cmp.Compare(a.LineStart, b.LineStart),
		cmp.Compare(a.QualifiedName, b.QualifiedName),
	)
}

// Qualify joins name parts into a canonical qualified name. Language
// specific separators (:: and /) inside parts are normalized to a dot and
// empty parts are skipped.
func Qualify(parts ...string) string {
	var out []string
	for _, p := range parts {
		p = strings.ReplaceAll(p, "::", ".")
		p = strings.ReplaceAll(p, "/", ".")
		for s := range strings.SplitSeq(p, ".") {
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return strings.Join(out, ".")
}

type DiagnosticKind string

const (
	DiagnosticScan      DiagnosticKind = "scan"
	DiagnosticMarker    DiagnosticKind = "marker"
	DiagnosticDuplicate DiagnosticKind = "duplicate"
	DiagnosticInternal  DiagnosticKind = "internal"
)

// Diagnostic is a recoverable problem found during a scan.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	File    string         `json:"file,omitempty"`
	Line    int            `json:"line,omitempty"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
}

func NewDiagnostic(err error) Diagnostic {
	d := Diagnostic{
		Kind:    DiagnosticInternal,
		Message: err.Error(),
		Err:     err,
	}
	var (
		scanErr   *ScanError
		markerErr *MarkerError
		dupErr    *DuplicateNameError
	)
	switch {
	case errors.As(err, &markerErr):
		d.Kind = DiagnosticMarker
		d.File = markerErr.Path
		d.Line = markerErr.Line
	case errors.As(err, &dupErr):
		d.Kind = DiagnosticDuplicate
		d.File = dupErr.Second.File
		d.Line = dupErr.Second.Line
	case errors.As(err, &scanErr):
		d.Kind = DiagnosticScan
		d.File = scanErr.Path
	}
	return d
}

func CompareDiagnostics(a, b Diagnostic) int {
	return cmp.Or(
		cmp.Compare(a.File, b.File),
		cmp.Compare(a.Line, b.Line),
		cmp.Compare(a.Kind, b.Kind),
		cmp.Compare(a.Message, b.Message),
	)
}
