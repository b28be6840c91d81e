package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// ErrEmptyCode is returned when there is no code to validate.
var ErrEmptyCode = errors.New("empty code")

// SyntaxError locates the first parse error, 1-based.
type SyntaxError struct {
	Line   int
	Column int
	Text   string
}

func (e *SyntaxError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("syntax error at line %d, column %d", e.Line, e.Column)
	}
	return fmt.Sprintf("syntax error at line %d, column %d: %q", e.Line, e.Column, e.Text)
}

// ValidatePythonCode parses code with the tree-sitter Python grammar and
// returns a *SyntaxError for the first error or missing node.
func ValidatePythonCode(code string) error {
	if strings.TrimSpace(code) == "" {
		return ErrEmptyCode
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	src := []byte(code)
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return fmt.Errorf("parse python: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return nil
	}

	bad := firstErrorNode(root)
	if bad == nil {
		bad = root
	}
	pt := bad.StartPoint()
	text := bad.Content(src)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 80 {
		text = text[:80]
	}
	return &SyntaxError{Line: int(pt.Row) + 1, Column: int(pt.Column) + 1, Text: text}
}

// firstErrorNode walks depth-first in source order.
func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	if !n.HasError() {
		return nil
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if found := firstErrorNode(n.Child(i)); found != nil {
			return found
		}
	}
	return nil
}
