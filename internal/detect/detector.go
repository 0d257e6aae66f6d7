// Package detect 在聊天文本中寻找未加围栏、且能通过外部语法检查的代码片段。
//
// 搜索顺序：起始行升序；同一起始行下窗口由大到小。
// 每个窗口的全部变体并发校验（单次检测至多 len(Variants) 个检查器进程），
// 窗口之间严格串行。
package detect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/SOF3/bthint/internal/diag"
	"github.com/SOF3/bthint/pkg/contract"
)

const (
	// MinWindowLines: 窗口最少行数；文本至少需要 MinWindowLines+1 行才会进入搜索。
	MinWindowLines = contract.MinWindowLines
	// WindowDeadline: 单个窗口竞速的截止时长。
	WindowDeadline = 5 * time.Second
)

// DeadlinePolicy 决定窗口截止后整个搜索如何继续。
type DeadlinePolicy int

const (
	// AbortSearch: 任一窗口截止即放弃整次搜索（默认）。
	AbortSearch DeadlinePolicy = iota
	// SkipWindow: 截止的窗口按“穷尽”处理，继续下一个窗口。
	SkipWindow
)

func (p DeadlinePolicy) String() string {
	if p == SkipWindow {
		return "skip"
	}
	return "abort"
}

// ParseDeadlinePolicy 解析配置值 "abort" | "skip"（空串为 abort）。
func ParseDeadlinePolicy(s string) (DeadlinePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "abort":
		return AbortSearch, nil
	case "skip":
		return SkipWindow, nil
	default:
		return AbortSearch, fmt.Errorf("%w: on_deadline must be abort|skip, got %q", contract.ErrInvalidInput, s)
	}
}

// Options 为检测器的可选配置。
type Options struct {
	OnDeadline DeadlinePolicy
	Logger     *diag.Logger
}

// Detector 实现 contract.Detector。调用之间不保留任何状态，可被并发使用。
type Detector struct {
	checker  contract.Checker
	dialect  contract.Dialect
	policy   DeadlinePolicy
	logger   *diag.Logger
	minLines int
	deadline time.Duration
}

// New 构造检测器。
func New(checker contract.Checker, opts Options) *Detector {
	return &Detector{
		checker:  checker,
		dialect:  checker.Dialect(),
		policy:   opts.OnDeadline,
		logger:   opts.Logger,
		minLines: MinWindowLines,
		deadline: WindowDeadline,
	}
}

type traceKey struct{}

type trace struct{ msgID string }

// WithMessageID 在 ctx 上附带消息 ID，仅用于日志关联。
func WithMessageID(ctx context.Context, id contract.MessageID) context.Context {
	return context.WithValue(ctx, traceKey{}, trace{msgID: string(id)})
}

func traceFrom(ctx context.Context) trace {
	tr, _ := ctx.Value(traceKey{}).(trace)
	return tr
}

// SplitLines 将文本按 '\n' 切分为行（先做 CRLF→LF 归一）。
func SplitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

// Detect 实现 contract.Detector。
func (d *Detector) Detect(ctx context.Context, text string) (contract.Detection, bool) {
	if d.dialect.Triggers != "" && !strings.ContainsAny(text, d.dialect.Triggers) {
		diag.IncOp("detect", "filter", "skip")
		return contract.Detection{}, false
	}
	lines := SplitLines(text)
	n := len(lines)
	if n < d.minLines+1 {
		diag.IncOp("detect", "filter", "skip")
		return contract.Detection{}, false
	}

	tr := traceFrom(ctx)
	timer := d.logger.StartWithKV("detect", "search", tr.msgID, "", map[string]string{"lines": fmt.Sprint(n)})
	windows := int64(0)
	for start := 0; start+d.minLines <= n; start++ {
		for end := n; end >= start+d.minLines; end-- {
			w := contract.Window{Start: start, End: end}
			windows++
			t0 := time.Now()
			d.logger.DebugStart("detect", "window", tr.msgID, windowLabel(w), nil)
			res := d.race(ctx, lines, w, tr)
			kv := map[string]string{"status": res.status.String()}
			if res.status == raceFound {
				kv["variant"] = res.variant.String()
			}
			d.logger.DebugFinish("detect", "window", tr.msgID, windowLabel(w), t0, kv)
			switch res.status {
			case raceFound:
				timer.Finish("found", windows)
				diag.IncOp("detect", "finish", "success")
				return contract.Detection{Language: d.dialect.Language, Fragment: res.fragment}, true
			case raceCanceled:
				d.logger.ErrorWith("detect", string(diag.Classify(res.err)), "search canceled", nil, tr.msgID, windowLabel(w))
				return contract.Detection{}, false
			case raceExpired:
				if d.onDeadline(res.err, w, tr) {
					return contract.Detection{}, false
				}
			case raceExhausted:
				if res.err != nil {
					d.logger.ErrorWith("detect", string(diag.Classify(res.err)), res.err.Error(), nil, tr.msgID, windowLabel(w))
				}
			}
		}
	}
	timer.Finish("exhausted", windows)
	diag.IncOp("detect", "finish", "success")
	return contract.Detection{}, false
}

// onDeadline 是窗口截止后的唯一决策点；返回 true 表示放弃整次搜索。
func (d *Detector) onDeadline(err error, w contract.Window, tr trace) bool {
	abort := d.policy == AbortSearch
	msg := "window deadline expired, skipping window"
	if abort {
		msg = "window deadline expired, aborting search"
	}
	code := string(diag.Classify(err))
	d.logger.ErrorWithKV("detect", code, msg, nil, tr.msgID, windowLabel(w),
		map[string]string{"policy": d.policy.String(), "err": err.Error()})
	diag.IncError("detect", code)
	return abort
}

func (s raceStatus) String() string {
	switch s {
	case raceFound:
		return "found"
	case raceExhausted:
		return "exhausted"
	case raceExpired:
		return "expired"
	case raceCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

var _ contract.Detector = (*Detector)(nil)
