package lang

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/autometrics-dev/am/internal/model"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// pythonScanner recognizes
//
//	@autometrics
//	@autometrics(name="checkout")
//	@autometrics.autometrics(...)
//
// on def and async def, including methods.
type pythonScanner struct{}

func (pythonScanner) Language() model.Language {
	return model.LanguagePython
}

func (pythonScanner) Extensions() []string {
	return []string{".py"}
}

func (s pythonScanner) Functions(ctx context.Context, src model.SourceFile) iter.Seq2[model.Function, error] {
	module := strings.Join(modulePath(src.Path, "__init__"), ".")
	return seq(ctx, python.GetLanguage(), src, module, func(c *collector, root *sitter.Node) {
		s.block(ctx, c, root, nil)
	})
}

// block visits the statements of a module or a class body. scope holds the
// enclosing class names.
func (s pythonScanner) block(ctx context.Context, c *collector, node *sitter.Node, scope []string) {
	for child := range namedChildren(node) {
		if ctx.Err() != nil {
			return
		}
		switch child.Type() {
		case "decorated_definition":
			s.decorated(ctx, c, child, scope)
		case "class_definition":
			s.class(ctx, c, child, scope)
		}
	}
}

func (s pythonScanner) class(ctx context.Context, c *collector, node *sitter.Node, scope []string) {
	name := text(node.ChildByFieldName("name"), c.src.Content)
	inner := append(scope[:len(scope):len(scope)], name)
	s.block(ctx, c, node.ChildByFieldName("body"), inner)
}

func (s pythonScanner) decorated(ctx context.Context, c *collector, node *sitter.Node, scope []string) {
	def := node.ChildByFieldName("definition")
	if def == nil {
		return
	}
	name := text(def.ChildByFieldName("name"), c.src.Content)
	qualified := model.Qualify(append(append([]string{c.module}, scope...), name)...)

	var marker *sitter.Node
	for child := range namedChildren(node) {
		if child.Type() == "decorator" && isPythonMarker(child, c.src.Content) {
			marker = child
			break
		}
	}

	if marker == nil {
		if def.Type() == "class_definition" {
			s.class(ctx, c, def, scope)
		}
		return
	}

	switch def.Type() {
	case "function_definition":
		rename, err := pythonRename(marker, c.src.Content)
		if err != nil {
			c.markerError(marker, qualified, "%s", err)
			return
		}
		metrics, err := MetricNames(rename)
		if err != nil {
			c.markerError(marker, qualified, "%s", err)
			return
		}
		c.function(def, metrics, append(scope[:len(scope):len(scope)], name)...)
	case "class_definition":
		c.markerError(marker, qualified, "decorator is applied to class %s, not a function", name)
		s.class(ctx, c, def, scope)
	default:
		c.markerError(marker, qualified, "decorator is applied to a %s, not a function", def.Type())
	}
}

// pythonMarkerExpr returns the decorated expression without the arguments.
func pythonMarkerExpr(decorator *sitter.Node) *sitter.Node {
	expr := decorator.NamedChild(0)
	if expr != nil && expr.Type() == "call" {
		return expr.ChildByFieldName("function")
	}
	return expr
}

func isPythonMarker(decorator *sitter.Node, content []byte) bool {
	switch text(pythonMarkerExpr(decorator), content) {
	case "autometrics", "autometrics.autometrics":
		return true
	}
	return false
}

// pythonRename returns the value of the name keyword argument.
func pythonRename(decorator *sitter.Node, content []byte) (*string, error) {
	call := decorator.NamedChild(0)
	if call == nil || call.Type() != "call" {
		return nil, nil
	}
	for arg := range namedChildren(call.ChildByFieldName("arguments")) {
		if arg.Type() != "keyword_argument" {
			continue
		}
		if text(arg.ChildByFieldName("name"), content) != "name" {
			continue
		}
		value := arg.ChildByFieldName("value")
		v, ok := pythonString(value, content)
		if !ok {
			return nil, fmt.Errorf("name must be a string literal, got %s", text(value, content))
		}
		return &v, nil
	}
	return nil, nil
}

func pythonString(n *sitter.Node, content []byte) (string, bool) {
	if n == nil || n.Type() != "string" {
		return "", false
	}
	for child := range namedChildren(n) {
		if child.Type() == "interpolation" {
			return "", false
		}
	}
	s := text(n, content)
	s = strings.TrimLeft(s, "rRuUbB")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[len(q) : len(s)-len(q)], true
		}
	}
	return "", false
}
