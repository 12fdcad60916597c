package selfmodify

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

func sitterLanguage(p string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".ts", ".mts", ".cts":
		return typescript.GetLanguage()
	case ".tsx":
		return tsx.GetLanguage()
	case ".js", ".jsx", ".mjs", ".cjs":
		return javascript.GetLanguage()
	case ".py":
		return python.GetLanguage()
	}
	return nil
}

// isSource reports whether p has a syntax checker.
func isSource(p string) bool {
	return strings.EqualFold(filepath.Ext(p), ".go") || sitterLanguage(p) != nil
}

// checkSyntax parses content. The returned error describes the first syntax
// problem; internal parser failures are returned as the second error.
func checkSyntax(ctx context.Context, p, content string) (syntaxErr, err error) {
	if strings.EqualFold(filepath.Ext(p), ".go") {
		_, perr := parser.ParseFile(token.NewFileSet(), p, content, parser.AllErrors)
		return perr, nil
	}
	lang := sitterLanguage(p)
	if lang == nil {
		return nil, nil
	}
	// Parsers are not safe for concurrent use; one per call.
	ps := sitter.NewParser()
	defer ps.Close()
	ps.SetLanguage(lang)
	src := []byte(content)
	tree, err := ps.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", p, err)
	}
	defer tree.Close()
	root := tree.RootNode()
	if !root.HasError() {
		return nil, nil
	}
	if bad := firstErrorNode(root); bad != nil {
		pt := bad.StartPoint()
		what := "unexpected " + strings.TrimSpace(truncate(bad.Content(src), 40))
		if bad.IsMissing() {
			what = "missing " + bad.Type()
		}
		return fmt.Errorf("line %d col %d: %s", pt.Row+1, pt.Column+1, what), nil
	}
	return fmt.Errorf("syntax error"), nil
}

func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	if !n.HasError() {
		return nil
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if bad := firstErrorNode(n.Child(i)); bad != nil {
			return bad
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
