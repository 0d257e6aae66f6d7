package lint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/SOF3/bthint/pkg/contract"
)

// Options: 外部语法检查器配置；空值按 PHP 预设补齐。
type Options struct {
	Command     string `json:"command"`       // 可执行文件，默认 php
	LintFlag    string `json:"lint_flag"`     // 唯一参数，默认 -l
	Language    string `json:"language"`      // 检测结果上报的语言名
	OpenTag     string `json:"open_tag"`      // 开标签；显式设置为 "-" 表示无开标签
	ClassOpen   string `json:"class_open"`    // WrappedInClass 外壳首行
	ClassClose  string `json:"class_close"`   // WrappedInClass 外壳末行
	Triggers    string `json:"triggers"`      // 快速路径字符集合
	WaitDelayMS int    `json:"wait_delay_ms"` // 进程被终止后等待 I/O 收尾的上限
}

func (o *Options) defaults() {
	if o.Command == "" {
		o.Command = "php"
	}
	if o.LintFlag == "" {
		o.LintFlag = "-l"
	}
	if o.Language == "" {
		o.Language = contract.PHP.Language
	}
	switch o.OpenTag {
	case "":
		o.OpenTag = contract.PHP.OpenTag
	case "-":
		o.OpenTag = ""
	}
	if o.ClassOpen == "" {
		o.ClassOpen = contract.PHP.ClassOpen
	}
	if o.ClassClose == "" {
		o.ClassClose = contract.PHP.ClassClose
	}
	if o.Triggers == "" {
		o.Triggers = contract.PHP.Triggers
	}
	if o.WaitDelayMS <= 0 {
		o.WaitDelayMS = 500
	}
}

// Checker 以“每次校验一个子进程”的方式调用外部 lint。
// 进程语义：参数仅 LintFlag；源码经 stdin 全量写入后关闭；stdout/stderr 丢弃；仅看退出码。
type Checker struct {
	bin       string
	flag      string
	dialect   contract.Dialect
	waitDelay time.Duration
	// onStart: 测试钩子，进程启动后回调其 pid。
	onStart func(pid int)
}

// New 构造 Checker。
func New(opts *Options) (*Checker, error) {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.defaults()
	if strings.TrimSpace(o.Command) == "" {
		return nil, fmt.Errorf("lint: %w: empty command", contract.ErrInvalidInput)
	}
	return &Checker{
		bin:  o.Command,
		flag: o.LintFlag,
		dialect: contract.Dialect{
			Language:   o.Language,
			OpenTag:    o.OpenTag,
			ClassOpen:  o.ClassOpen,
			ClassClose: o.ClassClose,
			Triggers:   o.Triggers,
		},
		waitDelay: time.Duration(o.WaitDelayMS) * time.Millisecond,
	}, nil
}

// Dialect 实现 contract.Checker。
func (c *Checker) Dialect() contract.Dialect { return c.dialect }

// Check 实现 contract.Checker。
// 返回前子进程必已被回收：正常退出时由 Wait 回收；ctx 取消时由 CommandContext 终止后 Wait 回收。
func (c *Checker) Check(ctx context.Context, source string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cmd := exec.CommandContext(ctx, c.bin, c.flag)
	cmd.WaitDelay = c.waitDelay
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false, fmt.Errorf("%w: %v", contract.ErrCheckerSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return false, fmt.Errorf("%w: %s: %v", contract.ErrCheckerSpawn, c.bin, err)
	}
	if c.onStart != nil {
		c.onStart(cmd.Process.Pid)
	}
	_, werr := io.WriteString(stdin, source)
	if cerr := stdin.Close(); werr == nil && cerr != nil && !errors.Is(cerr, io.ErrClosedPipe) {
		werr = cerr
	}
	err = cmd.Wait()
	if cerr := ctx.Err(); cerr != nil {
		return false, cerr
	}
	if werr != nil {
		return false, fmt.Errorf("%w: %v", contract.ErrCheckerStdin, werr)
	}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", contract.ErrCheckerWait, err)
	}
	return true, nil
}

var _ contract.Checker = (*Checker)(nil)
