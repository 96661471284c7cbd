package lang

import (
	"context"
	"fmt"
	"iter"
	"path"
	"strings"

	"github.com/autometrics-dev/am/internal/model"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// tsScanner recognizes the two forms used by autometrics-ts:
//
//	@Autometrics({ name: "orders" })   // on a class or a method
//	const placeOrder = autometrics(async function placeOrder() {})
//	const handler = autometrics({ functionName: "get" }, fn)
//
// The same strategy serves TypeScript and JavaScript with their grammars.
type tsScanner struct {
	lang model.Language
}

func (s tsScanner) Language() model.Language {
	return s.lang
}

func (s tsScanner) Extensions() []string {
	if s.lang == model.LanguageJavaScript {
		return []string{".js", ".jsx", ".mjs", ".cjs"}
	}
	return []string{".ts", ".tsx", ".mts", ".cts"}
}

func (s tsScanner) grammar(p string) *sitter.Language {
	switch strings.ToLower(path.Ext(p)) {
	case ".tsx":
		return tsx.GetLanguage()
	case ".ts", ".mts", ".cts":
		return typescript.GetLanguage()
	default:
		return javascript.GetLanguage()
	}
}

func (s tsScanner) Functions(ctx context.Context, src model.SourceFile) iter.Seq2[model.Function, error] {
	module := strings.Join(modulePath(src.Path, "index"), ".")
	return seq(ctx, s.grammar(src.Path), src, module, func(c *collector, root *sitter.Node) {
		s.visit(ctx, c, root)
	})
}

func (s tsScanner) visit(ctx context.Context, c *collector, node *sitter.Node) {
	if ctx.Err() != nil {
		return
	}
	switch node.Type() {
	case "class_declaration", "abstract_class_declaration", "class":
		s.class(c, node)
	case "call_expression":
		if node.Parent() == nil || node.Parent().Type() != "decorator" {
			if text(node.ChildByFieldName("function"), c.src.Content) == "autometrics" {
				s.wrapper(c, node)
			}
		}
	}
	for child := range namedChildren(node) {
		s.visit(ctx, c, child)
	}
}

// tsOptions are the recognized keys of the autometrics options object.
type tsOptions struct {
	functionName *string
	moduleName   *string
	name         *string
}

func (o tsOptions) module(dflt string) string {
	if o.moduleName != nil {
		return *o.moduleName
	}
	return dflt
}

func (s tsScanner) class(c *collector, node *sitter.Node) {
	className := text(node.ChildByFieldName("name"), c.src.Content)

	decorators := decoratorsOf(node)
	if parent := node.Parent(); parent != nil && parent.Type() == "export_statement" {
		decorators = append(decoratorsOf(parent), decorators...)
	}
	classMarker := tsMarker(decorators, c.src.Content)
	var classOpts tsOptions
	if classMarker != nil {
		var err error
		classOpts, err = tsDecoratorOptions(classMarker, c.src.Content)
		if err != nil {
			c.markerError(classMarker, model.Qualify(c.module, className), "%s", err)
			classMarker = nil
		}
	}

	var pending []*sitter.Node
	for member := range namedChildren(node.ChildByFieldName("body")) {
		if member.Type() == "decorator" {
			pending = append(pending, member)
			continue
		}
		decorators := append(pending, decoratorsOf(member)...)
		pending = nil
		own := tsMarker(decorators, c.src.Content)

		if member.Type() != "method_definition" {
			if own != nil {
				name := text(member.ChildByFieldName("name"), c.src.Content)
				c.markerError(own, model.Qualify(c.module, className, name), "decorator is applied to a %s, not a method", strings.ReplaceAll(member.Type(), "_", " "))
			}
			continue
		}

		name := text(member.ChildByFieldName("name"), c.src.Content)
		qualified := model.Qualify(c.module, className, name)
		switch {
		case own != nil:
			opts, err := tsDecoratorOptions(own, c.src.Content)
			if err != nil {
				c.markerError(own, qualified, "%s", err)
				continue
			}
			s.method(c, member, opts, className, name)
		case classMarker != nil && instrumentedByClass(member, name, c.src.Content):
			s.method(c, member, classOpts, className, name)
		}
	}
}

func (s tsScanner) method(c *collector, node *sitter.Node, opts tsOptions, className, name string) {
	metrics, err := MetricNames(opts.name)
	if err != nil {
		c.markerError(node, model.Qualify(c.module, className, name), "%s", err)
		return
	}
	if opts.functionName != nil {
		c.functionIn(opts.module(c.module), node, metrics, *opts.functionName)
		return
	}
	c.functionIn(opts.module(c.module), node, metrics, className, name)
}

// instrumentedByClass excludes constructors and accessors from a class level
// decorator.
func instrumentedByClass(method *sitter.Node, name string, content []byte) bool {
	if name == "constructor" {
		return false
	}
	for child := range children(method) {
		switch text(child, content) {
		case "get", "set":
			if !child.IsNamed() {
				return false
			}
		}
	}
	return true
}

// wrapper handles autometrics(fn) and autometrics(options, fn).
func (s tsScanner) wrapper(c *collector, call *sitter.Node) {
	var args []*sitter.Node
	for arg := range namedChildren(call.ChildByFieldName("arguments")) {
		if arg.Type() != "comment" {
			args = append(args, arg)
		}
	}

	var opts tsOptions
	var fn *sitter.Node
	switch {
	case len(args) == 0:
	case args[0].Type() == "object":
		var err error
		opts, err = tsObjectOptions(args[0], c.src.Content)
		if err != nil {
			c.markerError(call, "", "%s", err)
			return
		}
		if len(args) > 1 {
			fn = args[1]
		}
	default:
		fn = args[0]
	}
	if fn == nil {
		c.markerError(call, "", "autometrics() has no function argument")
		return
	}

	var local string
	node := call
	switch fn.Type() {
	case "identifier":
		local = text(fn, c.src.Content)
	case "member_expression":
		local = text(fn.ChildByFieldName("property"), c.src.Content)
	case "function", "function_expression", "generator_function":
		local = text(fn.ChildByFieldName("name"), c.src.Content)
		node = fn
	case "arrow_function":
		node = fn
	default:
		c.markerError(call, "", "autometrics() argument is a %s, not a function", strings.ReplaceAll(fn.Type(), "_", " "))
		return
	}
	if local == "" {
		local = bindingName(call, c.src.Content)
	}
	if opts.functionName != nil {
		local = *opts.functionName
	}
	if local == "" {
		c.markerError(call, "", "cannot determine the name of the wrapped function")
		return
	}

	metrics, err := MetricNames(opts.name)
	if err != nil {
		c.markerError(call, model.Qualify(opts.module(c.module), local), "%s", err)
		return
	}
	c.functionIn(opts.module(c.module), node, metrics, local)
}

// bindingName returns the name a call result is bound to:
// const x = call, x = call or { x: call }.
func bindingName(call *sitter.Node, content []byte) string {
	parent := call.Parent()
	for parent != nil && parent.Type() == "await_expression" {
		parent = parent.Parent()
	}
	if parent == nil {
		return ""
	}
	switch parent.Type() {
	case "variable_declarator":
		return text(parent.ChildByFieldName("name"), content)
	case "assignment_expression":
		left := parent.ChildByFieldName("left")
		if left != nil && left.Type() == "member_expression" {
			return text(left.ChildByFieldName("property"), content)
		}
		return text(left, content)
	case "pair":
		return tsKey(parent.ChildByFieldName("key"), content)
	}
	return ""
}

func decoratorsOf(n *sitter.Node) []*sitter.Node {
	var ret []*sitter.Node
	for child := range namedChildren(n) {
		if child.Type() == "decorator" {
			ret = append(ret, child)
		}
	}
	return ret
}

func tsMarker(decorators []*sitter.Node, content []byte) *sitter.Node {
	for _, d := range decorators {
		expr := d.NamedChild(0)
		if expr != nil && expr.Type() == "call_expression" {
			expr = expr.ChildByFieldName("function")
		}
		switch text(expr, content) {
		case "Autometrics", "autometrics":
			return d
		}
	}
	return nil
}

func tsDecoratorOptions(decorator *sitter.Node, content []byte) (tsOptions, error) {
	call := decorator.NamedChild(0)
	if call == nil || call.Type() != "call_expression" {
		return tsOptions{}, nil
	}
	args := call.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return tsOptions{}, nil
	}
	first := args.NamedChild(0)
	if first.Type() != "object" {
		return tsOptions{}, fmt.Errorf("decorator argument must be an options object, got %s", text(first, content))
	}
	return tsObjectOptions(first, content)
}

func tsObjectOptions(obj *sitter.Node, content []byte) (tsOptions, error) {
	var opts tsOptions
	for pair := range namedChildren(obj) {
		if pair.Type() != "pair" {
			continue
		}
		key := tsKey(pair.ChildByFieldName("key"), content)
		var dst **string
		switch key {
		case "functionName":
			dst = &opts.functionName
		case "moduleName":
			dst = &opts.moduleName
		case "name":
			dst = &opts.name
		default:
			continue
		}
		value := pair.ChildByFieldName("value")
		v, ok := tsString(value, content)
		if !ok {
			return opts, fmt.Errorf("%s must be a string literal, got %s", key, text(value, content))
		}
		if key != "name" && strings.TrimSpace(v) == "" {
			return opts, fmt.Errorf("%s must not be empty", key)
		}
		*dst = &v
	}
	return opts, nil
}

func tsKey(n *sitter.Node, content []byte) string {
	if n == nil {
		return ""
	}
	if n.Type() == "string" {
		v, _ := tsString(n, content)
		return v
	}
	return text(n, content)
}

func tsString(n *sitter.Node, content []byte) (string, bool) {
	if n == nil {
		return "", false
	}
	switch n.Type() {
	case "string":
	case "template_string":
		for child := range namedChildren(n) {
			if child.Type() == "template_substitution" {
				return "", false
			}
		}
	default:
		return "", false
	}
	s := text(n, content)
	if len(s) < 2 {
		return "", false
	}
	return s[1 : len(s)-1], true
}
