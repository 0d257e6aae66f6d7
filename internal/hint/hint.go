// Package hint 把检测结果渲染为提示回复，并判断消息是否已含代码围栏。
package hint

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/SOF3/bthint/pkg/contract"
)

// DefaultMaxChars: Discord 单条消息的字符上限。
const DefaultMaxChars = 2000

// ShortHint: 完整回复超出长度预算时的回退内容。
const ShortHint = "Hint: use three backticks \\`\\`\\` to wrap your code."

// defaultTemplate 先展示转义后的围栏写法，再展示渲染效果（以 ' 代替反引号书写）。
var defaultTemplate = strings.ReplaceAll(`Hint: use three backticks \'\'\' to wrap your code.
So this:
\'\'\'{{.Language}}
{{.Code}}
\'\'\'
Turns into this:
'''{{.Language}}
{{.Code}}
'''`, "'", "`")

// Options: 回复模板配置。
// - InlineTemplate / TemplatePath: 二选一，均为空时使用内置模板；模板字段为 .Language 与 .Code，
//   且必须把 .Code 渲染进 ```.Language 围栏。
// - MaxChars: 回复上限（按 rune 计），<=0 使用 DefaultMaxChars。
type Options struct {
	InlineTemplate string `json:"inline_template"`
	TemplatePath   string `json:"template_path"`
	MaxChars       int    `json:"max_chars"`
}

// Formatter 在构造期解析模板；运行期不做 I/O，可并发使用。
type Formatter struct {
	tpl      *template.Template
	maxChars int
}

// New 创建 Formatter。
func New(opts *Options) (*Formatter, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	src := defaultTemplate
	if o.InlineTemplate != "" {
		src = o.InlineTemplate
	} else if o.TemplatePath != "" {
		b, err := os.ReadFile(o.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("hint template read: %w", err)
		}
		src = string(b)
	}
	tpl, err := template.New("hint").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("hint template parse: %w", err)
	}
	if err := checkRendersFence(tpl); err != nil {
		return nil, err
	}
	if o.MaxChars <= 0 {
		o.MaxChars = DefaultMaxChars
	}
	return &Formatter{tpl: tpl, maxChars: o.MaxChars}, nil
}

type view struct {
	Language string
	Code     string
}

// Format 渲染提示；超出预算时回退为 ShortHint 并返回 fitted=false。
func (f *Formatter) Format(det contract.Detection) (reply string, fitted bool, err error) {
	var buf bytes.Buffer
	if err := f.tpl.Execute(&buf, view{Language: det.Language, Code: det.Fragment}); err != nil {
		return "", false, fmt.Errorf("hint template execute: %w", err)
	}
	if utf8.RuneCount(buf.Bytes()) > f.maxChars {
		return fitShort(f.maxChars), false, nil
	}
	return buf.String(), true, nil
}

// checkRendersFence 用样例渲染模板，要求输出中有一个 ```<语言> 围栏且原样包含代码。
func checkRendersFence(tpl *template.Template) error {
	const lang, code = "php", "echo 1;\necho 2;"
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, view{Language: lang, Code: code}); err != nil {
		return fmt.Errorf("hint template execute: %w", err)
	}
	gotLang, gotCode, ok := fencedCode(buf.Bytes())
	if !ok || gotLang != lang || gotCode != code+"\n" {
		return fmt.Errorf("%w: hint template must render {{.Code}} inside a ```{{.Language}} fence", contract.ErrInvalidInput)
	}
	return nil
}

// Invite 返回邀请链接回复。
func Invite(clientID string) string {
	return fmt.Sprintf("Invite link: https://discord.com/oauth2/authorize?client_id=%s&scope=bot", clientID)
}

func fitShort(max int) string {
	if utf8.RuneCountInString(ShortHint) <= max {
		return ShortHint
	}
	return string([]rune(ShortHint)[:max])
}
