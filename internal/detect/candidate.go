package detect

import (
	"fmt"
	"strings"

	"github.com/SOF3/bthint/pkg/contract"
)

// BuildCandidates 为窗口生成全部变体的候选源码（每个变体恰好一个）。
// 窗口首行不以开标签开头时前置一行开标签；WrappedInClass 在窗口行前后加类声明外壳。
// 每一行（含外壳行）以 '\n' 结尾。窗口越界或过短时返回 ErrInvalidInput。
func BuildCandidates(d contract.Dialect, lines []string, w contract.Window) ([]contract.Candidate, error) {
	if err := w.CheckBounds(len(lines)); err != nil {
		return nil, fmt.Errorf("%w: window %d..%d over %d lines", err, w.Start, w.End, len(lines))
	}
	body := lines[w.Start:w.End]
	needTag := d.OpenTag != "" && !strings.HasPrefix(body[0], d.OpenTag)
	size := len(d.OpenTag) + len(d.ClassOpen) + len(d.ClassClose) + 3
	for _, ln := range body {
		size += len(ln) + 1
	}
	out := make([]contract.Candidate, 0, len(contract.Variants))
	for _, v := range contract.Variants {
		var b strings.Builder
		b.Grow(size)
		if needTag {
			b.WriteString(d.OpenTag)
			b.WriteByte('\n')
		}
		if v == contract.WrappedInClass {
			b.WriteString(d.ClassOpen)
			b.WriteByte('\n')
		}
		for _, ln := range body {
			b.WriteString(ln)
			b.WriteByte('\n')
		}
		if v == contract.WrappedInClass {
			b.WriteString(d.ClassClose)
			b.WriteByte('\n')
		}
		out = append(out, contract.Candidate{Window: w, Variant: v, Source: b.String()})
	}
	return out, nil
}
