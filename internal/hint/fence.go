package hint

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

// HasCodeFence 判断消息是否已经包含 ``` 围栏（未闭合也算）。
// Discord 只渲染反引号围栏，~~~ 不算。
func HasCodeFence(content string) bool {
	return strings.Contains(content, "```")
}

// fencedCode 返回 src 中第一个反引号围栏代码块的语言与内容（每行含 '\n'）。
func fencedCode(src []byte) (lang, code string, ok bool) {
	doc := md.Parser().Parse(text.NewReader(src))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		fc, is := n.(*ast.FencedCodeBlock)
		if !entering || !is || !backtickOpened(src, fc) {
			return ast.WalkContinue, nil
		}
		lang = string(fc.Language(src))
		var b strings.Builder
		lines := fc.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(src))
		}
		code, ok = b.String(), true
		return ast.WalkStop, nil
	})
	return lang, code, ok
}

// backtickOpened 检查围栏的开启行是否以 ``` 开头。
func backtickOpened(src []byte, fc *ast.FencedCodeBlock) bool {
	var at int
	switch {
	case fc.Info != nil:
		at = fc.Info.Segment.Start
	case fc.Lines().Len() > 0:
		at = fc.Lines().At(0).Start - 1
	default:
		return false
	}
	if at <= 0 || at > len(src) {
		return false
	}
	open := src[bytes.LastIndexByte(src[:at], '\n')+1 : at]
	return bytes.HasPrefix(bytes.TrimLeft(open, " "), []byte("```"))
}
