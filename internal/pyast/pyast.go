// Package pyast parses Python source with tree-sitter and reduces it to a
// small tagged tree. The tree records only the constructs the security rules
// and the classifier look at; everything else collapses to KindOther nodes
// that still carry their children.
package pyast

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Kind tags a node in the reduced tree.
type Kind string

const (
	KindCall       Kind = "call"
	KindAttribute  Kind = "attribute"
	KindImport     Kind = "import"
	KindImportFrom Kind = "import-from"
	KindWith       Kind = "with"
	KindFor        Kind = "for"
	KindWhile      Kind = "while"
	KindOther      Kind = "other"
)

// Node is one element of the reduced tree.
//
// Field use by kind:
//   - call: Name is the called function; Root is the receiver identifier
//     when the function is an attribute access (empty otherwise).
//   - attribute: Name is the attribute; Root the base identifier.
//   - import: Modules lists the dotted module names.
//   - import-from: Root is the source module; Wildcard marks `import *`.
//   - with: ContextCalls lists identifier functions called in the items.
type Node struct {
	Kind         Kind
	Name         string
	Root         string
	Modules      []string
	Wildcard     bool
	ContextCalls []string
	Children     []*Node
}

// Walk calls fn for the node and all descendants, depth first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// SyntaxError reports that the source is not valid Python.
type SyntaxError struct {
	Line   int
	Column int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at line %d, column %d", e.Line, e.Column)
}

// Analyzer wraps a tree-sitter parser configured for Python. Not safe for
// concurrent use; callers hold one per goroutine or serialize access.
type Analyzer struct {
	parser *sitter.Parser
}

// NewAnalyzer creates a Python analyzer.
func NewAnalyzer() *Analyzer {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	return &Analyzer{parser: parser}
}

// Parse reduces the source to a tagged tree. Invalid Python returns a
// *SyntaxError carrying the position of the first bad region.
func (a *Analyzer) Parse(ctx context.Context, code string) (*Node, error) {
	src := []byte(code)
	tree, err := a.parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		if bad := firstErrorNode(root); bad != nil {
			return nil, &SyntaxError{
				Line:   int(bad.StartPoint().Row) + 1,
				Column: int(bad.StartPoint().Column),
			}
		}
		return nil, &SyntaxError{Line: 1, Column: 0}
	}

	return reduce(root, src), nil
}

func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n.Type() == "ERROR" || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if found := firstErrorNode(n.Child(i)); found != nil {
			return found
		}
	}
	return nil
}

func reduce(n *sitter.Node, src []byte) *Node {
	out := &Node{Kind: KindOther}

	switch n.Type() {
	case "call":
		out.Kind = KindCall
		if fn := n.ChildByFieldName("function"); fn != nil {
			switch fn.Type() {
			case "identifier":
				out.Name = fn.Content(src)
			case "attribute":
				if attr := fn.ChildByFieldName("attribute"); attr != nil {
					out.Name = attr.Content(src)
				}
				if obj := fn.ChildByFieldName("object"); obj != nil && obj.Type() == "identifier" {
					out.Root = obj.Content(src)
				}
			}
		}
	case "attribute":
		out.Kind = KindAttribute
		if attr := n.ChildByFieldName("attribute"); attr != nil {
			out.Name = attr.Content(src)
		}
		if obj := n.ChildByFieldName("object"); obj != nil && obj.Type() == "identifier" {
			out.Root = obj.Content(src)
		}
	case "import_statement":
		out.Kind = KindImport
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			switch child.Type() {
			case "dotted_name":
				out.Modules = append(out.Modules, child.Content(src))
			case "aliased_import":
				if name := child.ChildByFieldName("name"); name != nil {
					out.Modules = append(out.Modules, name.Content(src))
				}
			}
		}
	case "import_from_statement":
		out.Kind = KindImportFrom
		if mod := n.ChildByFieldName("module_name"); mod != nil {
			out.Root = mod.Content(src)
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if n.NamedChild(i).Type() == "wildcard_import" {
				out.Wildcard = true
			}
		}
	case "with_statement":
		out.Kind = KindWith
		out.ContextCalls = contextCalls(n, src)
	case "for_statement":
		out.Kind = KindFor
	case "while_statement":
		out.Kind = KindWhile
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		out.Children = append(out.Children, reduce(n.NamedChild(i), src))
	}
	return out
}

// contextCalls returns the identifier functions invoked directly as with-item
// context expressions, unwrapping `as` bindings.
func contextCalls(with *sitter.Node, src []byte) []string {
	var calls []string
	var visitItem func(n *sitter.Node)
	visitItem = func(n *sitter.Node) {
		value := n.ChildByFieldName("value")
		if value == nil && n.NamedChildCount() > 0 {
			value = n.NamedChild(0)
		}
		if value == nil {
			return
		}
		if value.Type() == "as_pattern" && value.NamedChildCount() > 0 {
			value = value.NamedChild(0)
		}
		if value.Type() != "call" {
			return
		}
		if fn := value.ChildByFieldName("function"); fn != nil && fn.Type() == "identifier" {
			calls = append(calls, fn.Content(src))
		}
	}
	for i := 0; i < int(with.NamedChildCount()); i++ {
		child := with.NamedChild(i)
		if child.Type() == "with_clause" {
			for j := 0; j < int(child.NamedChildCount()); j++ {
				if item := child.NamedChild(j); item.Type() == "with_item" {
					visitItem(item)
				}
			}
		}
	}
	return calls
}
