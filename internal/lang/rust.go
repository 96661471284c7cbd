package lang

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"

	"github.com/autometrics-dev/am/internal/model"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/rust"
)

// rustScanner recognizes #[autometrics], #[autometrics(...)] and
// #[autometrics::autometrics(...)] on fn items and impl blocks. On an impl
// block every fn of the block is instrumented.
type rustScanner struct{}

func (rustScanner) Language() model.Language {
	return model.LanguageRust
}

func (rustScanner) Extensions() []string {
	return []string{".rs"}
}

func (s rustScanner) Functions(ctx context.Context, src model.SourceFile) iter.Seq2[model.Function, error] {
	return seq(ctx, rust.GetLanguage(), src, rustModule(src.Path), func(c *collector, root *sitter.Node) {
		s.items(ctx, c, root, nil, "")
	})
}

// rustModule maps a file to its module path relative to the crate root:
// src/lib.rs, src/main.rs and src/bin/*.rs are crate roots, src/a/mod.rs
// is module a.
func rustModule(p string) string {
	parts := strings.Split(strings.TrimSuffix(p, ".rs"), "/")
	for i := len(parts) - 2; i >= 0; i-- {
		if parts[i] == "src" {
			parts = parts[i+1:]
			break
		}
	}
	if len(parts) > 0 && parts[0] == "bin" {
		return ""
	}
	if len(parts) > 0 {
		switch parts[len(parts)-1] {
		case "lib", "main", "mod":
			parts = parts[:len(parts)-1]
		}
	}
	return strings.Join(parts, "::")
}

// items visits a source file or a declaration list. mods holds the names of
// the enclosing inline modules, impl the type of an enclosing impl block.
func (s rustScanner) items(ctx context.Context, c *collector, node *sitter.Node, mods []string, impl string) {
	for child := range namedChildren(node) {
		if ctx.Err() != nil {
			return
		}
		switch child.Type() {
		case "attribute_item":
			s.attribute(c, child, mods, impl)
		case "mod_item":
			if body := child.ChildByFieldName("body"); body != nil {
				name := text(child.ChildByFieldName("name"), c.src.Content)
				s.items(ctx, c, body, append(mods[:len(mods):len(mods)], name), "")
			}
		case "impl_item":
			s.items(ctx, c, child.ChildByFieldName("body"), mods, rustImplType(child, c.src.Content))
		}
	}
}

// attribute handles one attribute_item. The item it applies to is the next
// sibling that is neither an attribute nor a comment.
func (s rustScanner) attribute(c *collector, node *sitter.Node, mods []string, impl string) {
	attr, ok := rustMarker(node, c.src.Content)
	if !ok {
		return
	}

	target := node.NextNamedSibling()
	for target != nil && isRustTrivia(target.Type()) {
		target = target.NextNamedSibling()
	}
	module := model.Qualify(append([]string{c.module}, mods...)...)
	if target == nil {
		c.markerError(node, "", "attribute is not followed by an item")
		return
	}

	switch target.Type() {
	case "function_item":
		name := text(target.ChildByFieldName("name"), c.src.Content)
		metrics, err := rustMetrics(attr, c.src.Content)
		if err != nil {
			c.markerError(node, model.Qualify(module, impl, name), "%s", err)
			return
		}
		c.functionIn(module, target, metrics, impl, name)
	case "impl_item":
		typ := rustImplType(target, c.src.Content)
		metrics, err := rustMetrics(attr, c.src.Content)
		if err != nil {
			c.markerError(node, model.Qualify(module, typ), "%s", err)
			return
		}
		for fn := range namedChildren(target.ChildByFieldName("body")) {
			// methods with their own marker are reported when the body is visited
			if fn.Type() != "function_item" || rustHasMarker(fn, c.src.Content) {
				continue
			}
			name := text(fn.ChildByFieldName("name"), c.src.Content)
			c.functionIn(module, fn, metrics, typ, name)
		}
	default:
		c.markerError(node, "", "attribute is applied to a %s, not a function", strings.TrimSuffix(target.Type(), "_item"))
	}
}

// rustMarker returns the attribute node of an autometrics attribute_item.
func rustMarker(item *sitter.Node, content []byte) (*sitter.Node, bool) {
	attr := item.NamedChild(0)
	if attr == nil || attr.Type() != "attribute" {
		return nil, false
	}
	switch text(attr.NamedChild(0), content) {
	case "autometrics", "autometrics::autometrics":
		return attr, true
	}
	return nil, false
}

// rustHasMarker reports whether the attributes directly above item contain
// an autometrics marker.
func rustHasMarker(item *sitter.Node, content []byte) bool {
	for prev := item.PrevNamedSibling(); prev != nil && isRustTrivia(prev.Type()); prev = prev.PrevNamedSibling() {
		if prev.Type() != "attribute_item" {
			continue
		}
		if _, ok := rustMarker(prev, content); ok {
			return true
		}
	}
	return false
}

func isRustTrivia(typ string) bool {
	switch typ {
	case "attribute_item", "line_comment", "block_comment":
		return true
	}
	return false
}

// rustImplType returns the bare name of the implemented type: Foo for
// impl<T> Trait for Foo<T>.
func rustImplType(impl *sitter.Node, content []byte) string {
	typ := impl.ChildByFieldName("type")
	for typ != nil {
		switch typ.Type() {
		case "generic_type":
			typ = typ.ChildByFieldName("type")
		case "scoped_type_identifier":
			typ = typ.ChildByFieldName("name")
		case "reference_type":
			typ = typ.ChildByFieldName("type")
		default:
			return text(typ, content)
		}
	}
	return ""
}

// rustMetrics reads the name argument of #[autometrics(name = "...")].
// Other arguments such as objective or track_concurrency are accepted.
func rustMetrics(attr *sitter.Node, content []byte) ([]string, error) {
	args := attr.ChildByFieldName("arguments")
	if args == nil {
		return MetricNames(nil)
	}
	tokens := slices.Collect(children(args))
	for i, tok := range tokens {
		if tok.Type() != "identifier" || text(tok, content) != "name" {
			continue
		}
		if i+2 >= len(tokens) || text(tokens[i+1], content) != "=" {
			return nil, fmt.Errorf("name argument has no value")
		}
		value := tokens[i+2]
		if value.Type() != "string_literal" {
			return nil, fmt.Errorf("name must be a string literal, got %s", text(value, content))
		}
		v, err := strconv.Unquote(text(value, content))
		if err != nil {
			return nil, fmt.Errorf("name %s: %w", text(value, content), err)
		}
		return MetricNames(&v)
	}
	return MetricNames(nil)
}
