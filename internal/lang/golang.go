package lang

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/autometrics-dev/am/internal/model"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// goScanner recognizes the autometrics-go generator directives
//
//	//autometrics:inst --name=checkout
//	func Checkout() {}
//
// in the comment group directly above a function or method declaration.
type goScanner struct{}

func (goScanner) Language() model.Language {
	return model.LanguageGo
}

func (goScanner) Extensions() []string {
	return []string{".go"}
}

func (s goScanner) Functions(ctx context.Context, src model.SourceFile) iter.Seq2[model.Function, error] {
	return seq(ctx, golang.GetLanguage(), src, "", func(c *collector, root *sitter.Node) {
		for child := range namedChildren(root) {
			if child.Type() == "package_clause" {
				c.module = text(child.NamedChild(0), c.src.Content)
				break
			}
		}
		s.directives(ctx, c, root)
	})
}

// isGoDirective matches the directive token alone or followed by its flags.
func isGoDirective(comment string) bool {
	for _, token := range []string{"//autometrics:inst", "//autometrics:doc"} {
		rest, ok := strings.CutPrefix(comment, token)
		if ok && (rest == "" || rest[0] == ' ' || rest[0] == '\t') {
			return true
		}
	}
	return false
}

func (s goScanner) directives(ctx context.Context, c *collector, root *sitter.Node) {
	// start of the last instrumented declaration, +1 so zero means none
	var done uint32
	for child := range namedChildren(root) {
		if ctx.Err() != nil {
			return
		}
		if child.Type() != "comment" || !isGoDirective(text(child, c.src.Content)) {
			continue
		}

		// the declaration follows the end of the comment group
		last := child
		next := child.NextNamedSibling()
		for next != nil && next.Type() == "comment" && next.StartPoint().Row == last.EndPoint().Row+1 {
			last = next
			next = next.NextNamedSibling()
		}
		if next != nil && next.StartByte()+1 == done {
			// a second directive of the same group
			continue
		}
		if next == nil || next.StartPoint().Row != last.EndPoint().Row+1 {
			c.markerError(child, "", "directive is not attached to a declaration")
			continue
		}

		var names []string
		switch next.Type() {
		case "function_declaration":
			names = []string{text(next.ChildByFieldName("name"), c.src.Content)}
		case "method_declaration":
			names = []string{
				goReceiverType(next.ChildByFieldName("receiver"), c.src.Content),
				text(next.ChildByFieldName("name"), c.src.Content),
			}
		default:
			c.markerError(child, "", "directive is applied to a %s, not a function", strings.TrimSuffix(next.Type(), "_declaration"))
			continue
		}
		done = next.StartByte() + 1

		rename, err := goRename(text(child, c.src.Content))
		if err != nil {
			c.markerError(child, model.Qualify(append([]string{c.module}, names...)...), "%s", err)
			continue
		}
		metrics, err := MetricNames(rename)
		if err != nil {
			c.markerError(child, model.Qualify(append([]string{c.module}, names...)...), "%s", err)
			continue
		}
		c.function(next, metrics, names...)
	}
}

// goReceiverType returns T for receivers (t T), (t *T) and (t *T[K]).
func goReceiverType(params *sitter.Node, content []byte) string {
	var find func(n *sitter.Node) string
	find = func(n *sitter.Node) string {
		if n.Type() == "type_identifier" {
			return text(n, content)
		}
		for child := range namedChildren(n) {
			if t := find(child); t != "" {
				return t
			}
		}
		return ""
	}
	if params == nil {
		return ""
	}
	return find(params)
}

// goRename parses the --name flag of a directive.
func goRename(directive string) (*string, error) {
	fields := strings.Fields(directive)
	for i, f := range fields {
		switch {
		case f == "--name" || f == "-name":
			if i+1 >= len(fields) || strings.HasPrefix(fields[i+1], "-") {
				return nil, fmt.Errorf("flag --name has no value")
			}
			v := strings.Trim(fields[i+1], `"`)
			return &v, nil
		case strings.HasPrefix(f, "--name=") || strings.HasPrefix(f, "-name="):
			_, v, _ := strings.Cut(f, "=")
			v = strings.Trim(v, `"`)
			if v == "" {
				return nil, fmt.Errorf("flag --name has no value")
			}
			return &v, nil
		}
	}
	return nil, nil
}
