package contract

import "strings"

// MinWindowLines: 候选窗口的最少行数（含）。
const MinWindowLines = 5

// Window: 行序列上的半开区间 [Start, End)。
// 约束：0 <= Start，End-Start >= MinWindowLines，End <= 行数。
type Window struct {
	Start int
	End   int
}

// Len 返回窗口覆盖的行数。
func (w Window) Len() int { return w.End - w.Start }

// CheckBounds 校验窗口在 n 行的序列上是否合法。
func (w Window) CheckBounds(n int) error {
	if w.Start < 0 || w.End > n || w.Len() < MinWindowLines {
		return ErrInvalidInput
	}
	return nil
}

// Text 返回窗口覆盖的原始行，以 '\n' 连接（无末尾换行）。
func (w Window) Text(lines []string) string {
	return strings.Join(lines[w.Start:w.End], "\n")
}

// Variant: 候选变体（封闭集合）。
type Variant int

const (
	// Plain: 窗口行原样（必要时前置开标签）。
	Plain Variant = iota
	// WrappedInClass: 窗口行包裹在最小类声明中，用于识别方法体片段。
	WrappedInClass
)

// Variants 按固定顺序列出全部变体。
var Variants = [...]Variant{Plain, WrappedInClass}

func (v Variant) String() string {
	switch v {
	case Plain:
		return "plain"
	case WrappedInClass:
		return "wrapped_in_class"
	default:
		return "unknown"
	}
}

// Candidate: 送往校验器的完整源码缓冲。
type Candidate struct {
	Window  Window
	Variant Variant
	Source  string
}

// OutcomeKind: 单次校验的结果类别。
type OutcomeKind int

const (
	Invalid OutcomeKind = iota
	Valid
	ValidatorError
)

func (k OutcomeKind) String() string {
	switch k {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case ValidatorError:
		return "validator_error"
	default:
		return "unknown"
	}
}

// Outcome: 单个候选的校验结果。
// Kind==Valid 时 Fragment 为未加修饰的窗口原文；Kind==ValidatorError 时 Err 非空。
type Outcome struct {
	Kind     OutcomeKind
	Variant  Variant
	Fragment string
	Err      error
}

// Detection: 一次成功检测的产物。
type Detection struct {
	Language string
	Fragment string
}

// MessageID: 传输层内稳定的消息标识。
type MessageID string

// Message: 传输层投递的入站聊天消息。
// GuildID 为空表示私聊。
type Message struct {
	ID        MessageID
	ChannelID string
	GuildID   string
	AuthorID  string
	Content   string
}
