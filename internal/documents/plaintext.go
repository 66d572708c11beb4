package documents

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// PlainText renders a markdown body as whitespace-collapsed text for indexing.
func PlainText(body string) string {
	source := []byte(body)
	root := markdown.Parser().Parse(text.NewReader(source))

	var builder strings.Builder
	_ = ast.Walk(root, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if node.Type() == ast.TypeBlock {
				builder.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}
		switch typed := node.(type) {
		case *ast.Text:
			builder.Write(typed.Segment.Value(source))
			if typed.SoftLineBreak() || typed.HardLineBreak() {
				builder.WriteByte(' ')
			}
		case *ast.String:
			builder.Write(typed.Value)
		case *ast.AutoLink:
			builder.Write(typed.Label(source))
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := node.Lines()
			for index := 0; index < lines.Len(); index++ {
				segment := lines.At(index)
				builder.Write(segment.Value(source))
				builder.WriteByte(' ')
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(builder.String()), " ")
}
