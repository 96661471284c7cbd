// Package lang recognizes autometrics markers in source files.
//
// Every supported language is a Scanner registered in a fixed table keyed by
// model.Language. A Scanner only looks for one syntactic pattern, a marker
// applied to a function, and extracts the qualified name and the metric names
// of the instrumented function. Parsing is done by tree-sitter.
//
// Problems with a single marker are yielded as *model.MarkerError and the
// scan of the file continues. Problems with the whole file are returned as
// *model.ScanError.
package lang

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"path"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/autometrics-dev/am/internal/model"

	sitter "github.com/smacker/go-tree-sitter"
)

// Scanner is a language strategy.
type Scanner interface {
	Language() model.Language
	Extensions() []string
	// Functions parses src on every iteration and yields the instrumented
	// functions in source order. Malformed markers are yielded as errors.
	Functions(ctx context.Context, src model.SourceFile) iter.Seq2[model.Function, error]
}

var scanners = map[model.Language]Scanner{
	model.LanguageRust:       rustScanner{},
	model.LanguagePython:     pythonScanner{},
	model.LanguageTypeScript: tsScanner{lang: model.LanguageTypeScript},
	model.LanguageJavaScript: tsScanner{lang: model.LanguageJavaScript},
	model.LanguageGo:         goScanner{},
}

var extensions = func() map[string]model.Language {
	m := make(map[string]model.Language)
	for lang, s := range scanners {
		for _, ext := range s.Extensions() {
			m[ext] = lang
		}
	}
	return m
}()

// Languages returns the supported languages, sorted.
func Languages() []model.Language {
	ret := make([]model.Language, 0, len(scanners))
	for lang := range scanners {
		ret = append(ret, lang)
	}
	slices.Sort(ret)
	return ret
}

// Detect returns the language of the file at p, based on its extension.
func Detect(p string) (model.Language, bool) {
	base := path.Base(p)
	if strings.HasSuffix(base, "_test.go") || strings.HasSuffix(base, ".d.ts") {
		return "", false
	}
	lang, ok := extensions[strings.ToLower(path.Ext(base))]
	return lang, ok
}

// Lookup returns the Scanner registered for lang.
func Lookup(lang model.Language) (Scanner, bool) {
	s, ok := scanners[lang]
	return s, ok
}

var (
	bomUTF8  = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16 = [][]byte{{0xFE, 0xFF}, {0xFF, 0xFE}}
)

// Scan validates the encoding of src and returns the sequence of its
// instrumented functions. A UTF-8 byte order mark is stripped.
func Scan(ctx context.Context, src model.SourceFile) (iter.Seq2[model.Function, error], error) {
	s, ok := scanners[src.Language]
	if !ok {
		return nil, &model.ScanError{Path: src.Path, Err: fmt.Errorf("%q: %w", src.Language, model.ErrUnsupportedLanguage)}
	}
	for _, bom := range bomUTF16 {
		if bytes.HasPrefix(src.Content, bom) {
			return nil, &model.ScanError{Path: src.Path, Err: fmt.Errorf("UTF-16 byte order mark: %w", model.ErrEncoding)}
		}
	}
	src.Content = bytes.TrimPrefix(src.Content, bomUTF8)
	if !utf8.Valid(src.Content) {
		return nil, &model.ScanError{Path: src.Path, Err: fmt.Errorf("content is not valid UTF-8: %w", model.ErrEncoding)}
	}
	return s.Functions(ctx, src), nil
}

func parse(ctx context.Context, lang *sitter.Language, src model.SourceFile) (*sitter.Tree, error) {
	// new instance per call, parsers are not safe for concurrent use
	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(ctx, nil, src.Content)
	if err != nil {
		return nil, &model.ScanError{Path: src.Path, Err: fmt.Errorf("tree-sitter parse failed: %w", err)}
	}
	if tree == nil {
		return nil, &model.ScanError{Path: src.Path, Err: fmt.Errorf("tree-sitter returned no tree")}
	}
	if tree.RootNode() == nil {
		tree.Close()
		return nil, &model.ScanError{Path: src.Path, Err: fmt.Errorf("tree-sitter returned no tree")}
	}
	return tree, nil
}

type item struct {
	fn  model.Function
	err error
}

// collector gathers results of one file in source order.
type collector struct {
	src    model.SourceFile
	module string
	items  []item
}

func newCollector(src model.SourceFile, module string) *collector {
	return &collector{src: src, module: module}
}

func (c *collector) function(node *sitter.Node, metrics []string, names ...string) {
	c.functionIn(c.module, node, metrics, names...)
}

func (c *collector) functionIn(module string, node *sitter.Node, metrics []string, names ...string) {
	c.items = append(c.items, item{fn: model.Function{
		QualifiedName: model.Qualify(append([]string{module}, names...)...),
		Module:        model.Qualify(module),
		File:          c.src.Path,
		LineStart:     line(node),
		LineEnd:       int(node.EndPoint().Row) + 1,
		Language:      c.src.Language,
		MetricNames:   metrics,
	}})
}

func (c *collector) markerError(node *sitter.Node, function, format string, args ...any) {
	c.items = append(c.items, item{err: &model.MarkerError{
		Path:     c.src.Path,
		Line:     line(node),
		Function: function,
		Reason:   fmt.Sprintf(format, args...),
	}})
}

func (c *collector) yield(yield func(model.Function, error) bool) {
	for _, it := range c.items {
		if !yield(it.fn, it.err) {
			return
		}
	}
}

// seq wraps a walk function into a restartable sequence. The tree is
// parsed again on every iteration.
func seq(ctx context.Context, lang *sitter.Language, src model.SourceFile, module string, walk func(c *collector, root *sitter.Node)) iter.Seq2[model.Function, error] {
	return func(yield func(model.Function, error) bool) {
		tree, err := parse(ctx, lang, src)
		if err != nil {
			yield(model.Function{}, err)
			return
		}
		defer tree.Close()
		c := newCollector(src, module)
		walk(c, tree.RootNode())
		if err := ctx.Err(); err != nil {
			yield(model.Function{}, &model.ScanError{Path: src.Path, Err: err})
			return
		}
		c.yield(yield)
	}
}

func text(n *sitter.Node, content []byte) string {
	if n == nil {
		return ""
	}
	return string(content[n.StartByte():n.EndByte()])
}

func line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

func children(n *sitter.Node) iter.Seq[*sitter.Node] {
	return func(yield func(*sitter.Node) bool) {
		if n == nil {
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			if !yield(n.Child(i)) {
				return
			}
		}
	}
}

func namedChildren(n *sitter.Node) iter.Seq[*sitter.Node] {
	return func(yield func(*sitter.Node) bool) {
		if n == nil {
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if !yield(n.NamedChild(i)) {
				return
			}
		}
	}
}

// Default metric names emitted by autometrics libraries.
const (
	DefaultCounter   = "function_calls_total"
	DefaultHistogram = "function_calls_duration_seconds"
)

var invalidMetricChars = regexp.MustCompile(`[^a-zA-Z0-9_:]`)

// SanitizeMetricName maps s to the Prometheus metric name alphabet.
func SanitizeMetricName(s string) string {
	s = invalidMetricChars.ReplaceAllString(strings.TrimSpace(s), "_")
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		s = "_" + s
	}
	return s
}

// MetricNames returns the metric names of a function. A nil rename keeps
// the default names.
func MetricNames(rename *string) ([]string, error) {
	if rename == nil {
		return []string{DefaultCounter, DefaultHistogram}, nil
	}
	name := SanitizeMetricName(*rename)
	if strings.Trim(name, "_") == "" {
		return nil, fmt.Errorf("metric name %q is empty after sanitization", *rename)
	}
	return []string{name + "_calls_total", name + "_duration_seconds"}, nil
}

// modulePath turns a slash separated path into module segments, dropping
// the extension, a leading src directory and the trailing names in drop.
func modulePath(p string, drop ...string) []string {
	p = strings.TrimSuffix(p, path.Ext(p))
	parts := strings.Split(p, "/")
	if len(parts) > 1 && parts[0] == "src" {
		parts = parts[1:]
	}
	if len(parts) > 0 && slices.Contains(drop, parts[len(parts)-1]) {
		parts = parts[:len(parts)-1]
	}
	return parts
}
