package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/SOF3/bthint/pkg/contract"
)

// Options: 离线调试用检查器配置（不启动任何进程）。
type Options struct {
	// Mode: 判定模式。
	//  - "" / "rules": 按行规则近似判定（见 Rules）。
	//  - "always_valid": 恒为合法。
	//  - "always_invalid": 恒为非法。
	//  - "error": 恒为检查器故障（ErrCheckerSpawn）。
	Mode string `json:"mode,omitempty"`
	// DelayMS: 每次判定前的模拟耗时；期间尊重 ctx 取消。
	DelayMS int `json:"delay_ms,omitempty"`
	// Language: 上报的语言名，默认 php。
	Language string `json:"language,omitempty"`
}

// Checker 是 contract.Checker 的进程外替身。
type Checker struct {
	mode    string
	delay   time.Duration
	dialect contract.Dialect
	calls   atomic.Int64
	active  atomic.Int64
}

// New 从原样 JSON 选项构造。
func New(raw json.RawMessage) (*Checker, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	return NewWithOptions(o)
}

// NewWithOptions 以结构化选项构造。
func NewWithOptions(o Options) (*Checker, error) {
	mode := strings.TrimSpace(o.Mode)
	switch mode {
	case "":
		mode = "rules"
	case "rules", "always_valid", "always_invalid", "error":
	default:
		return nil, fmt.Errorf("mock: %w: unknown mode %q", contract.ErrInvalidInput, o.Mode)
	}
	d := contract.PHP
	if o.Language != "" {
		d.Language = o.Language
	}
	return &Checker{mode: mode, delay: time.Duration(o.DelayMS) * time.Millisecond, dialect: d}, nil
}

// Dialect 实现 contract.Checker。
func (c *Checker) Dialect() contract.Dialect { return c.dialect }

// Calls 返回累计判定次数。
func (c *Checker) Calls() int64 { return c.calls.Load() }

// Active 返回正在进行中的判定数。
func (c *Checker) Active() int64 { return c.active.Load() }

// Check 实现 contract.Checker。
func (c *Checker) Check(ctx context.Context, source string) (bool, error) {
	c.calls.Add(1)
	c.active.Add(1)
	defer c.active.Add(-1)
	if c.delay > 0 {
		tm := time.NewTimer(c.delay)
		select {
		case <-ctx.Done():
			tm.Stop()
			return false, ctx.Err()
		case <-tm.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	switch c.mode {
	case "always_valid":
		return true, nil
	case "always_invalid":
		return false, nil
	case "error":
		return false, fmt.Errorf("%w: mock", contract.ErrCheckerSpawn)
	}
	return Rules(c.dialect, source), nil
}

// Rules 是 php -l 的粗略近似，仅用于测试与离线联调：
// 1) 去掉开标签行与空行，行尾 "//" 注释被忽略；
// 2) 每行须以 ';' 或 '{' 结尾，或恰为 '}'；
// 3) 花括号深度不得为负且最终归零；
// 4) 以可见性关键字开头的行须位于类声明之内。
func Rules(d contract.Dialect, source string) bool {
	depth := 0
	classDepth := -1
	seen := 0
	for _, ln := range strings.Split(source, "\n") {
		s := strings.TrimSpace(stripComment(ln))
		if s == "" || (d.OpenTag != "" && s == d.OpenTag) {
			continue
		}
		seen++
		switch {
		case s == "}":
			depth--
			if depth < 0 {
				return false
			}
			if depth <= classDepth {
				classDepth = -1
			}
			continue
		case strings.HasSuffix(s, ";"):
		case strings.HasSuffix(s, "{"):
		default:
			return false
		}
		if isMember(s) && classDepth < 0 {
			return false
		}
		if d.ClassOpen != "" && s == d.ClassOpen {
			classDepth = depth
		}
		depth += strings.Count(s, "{") - strings.Count(s, "}")
		if depth < 0 {
			return false
		}
	}
	return seen > 0 && depth == 0
}

func stripComment(s string) string {
	if i := strings.Index(s, "//"); i >= 0 {
		return s[:i]
	}
	return s
}

func isMember(s string) bool {
	for _, kw := range []string{"public ", "private ", "protected "} {
		if strings.HasPrefix(s, kw) {
			return true
		}
	}
	return false
}

var _ contract.Checker = (*Checker)(nil)
