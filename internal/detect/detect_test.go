package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SOF3/bthint/internal/diag"
	"github.com/SOF3/bthint/pkg/contract"
	"github.com/SOF3/bthint/plugins/checker/lint"
	"github.com/SOF3/bthint/plugins/checker/mock"
)

const (
	scenarioA = "some random stuff\nhello();\n$world = foo();\nbar($baz); // has semicolon here\n$qux = 1;\n$corge += $qux;\nmore random stuff"
	scenarioB = "some random stuff\nhello();\n$world = foo();\nbar($baz) // missing semicolon here\n$qux = 1;\n$corge += $qux;\nmore random stuff"
	scenarioC = "public function foo() {\n    some random stuff\n    hello();\n    $world = foo();\n    bar($baz); // has semicolon here\n    $qux = 1;\n    $corge += $qux;\n    more random stuff\n}"
	// scenarioCBroken: 同 C，但缺一个分号
	scenarioCBroken = "public function foo() {\n    some random stuff\n    hello();\n    $world = foo();\n    bar($baz) // missing semicolon here\n    $qux = 1;\n    $corge += $qux;\n    more random stuff\n}"
	// methodOnly: 完整方法声明，仅类外壳变体合法
	methodOnly = "check this:\npublic function foo() {\n    hello();\n    $world = foo();\n    bar($baz);\n}\nthanks"
	scenarioD = "Hi! Is $5 okay? {shrug}\nsure thing\nlet me know\nok!\nmaybe later\nbye"
)

// fakeChecker 记录调用、并发度与活动数；judge 决定每次的判定。
type fakeChecker struct {
	judge func(ctx context.Context, src string) (bool, error)

	mu      sync.Mutex
	sources []string
	active  atomic.Int64
	peak    atomic.Int64
}

func (f *fakeChecker) Dialect() contract.Dialect { return contract.PHP }

func (f *fakeChecker) Check(ctx context.Context, src string) (bool, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.mu.Lock()
	f.sources = append(f.sources, src)
	f.mu.Unlock()
	return f.judge(ctx, src)
}

func (f *fakeChecker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

func invalid(context.Context, string) (bool, error) { return false, nil }

// blockUntilDone 模拟卡住的检查器进程。
func blockUntilDone(ctx context.Context, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func newRulesDetector(t *testing.T) *Detector {
	t.Helper()
	c, err := mock.New(nil)
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	return New(c, Options{})
}

// numbered 生成 n 行形如 "l<i>;" 的文本（全部为合法语句）。
func numbered(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "l" + strconv.Itoa(i) + ";"
	}
	return out
}

// windowOf 从候选源码还原窗口（依赖 numbered 的行格式）。
func windowOf(src string) contract.Window {
	first, last := -1, -1
	for _, ln := range strings.Split(src, "\n") {
		if !strings.HasPrefix(ln, "l") || !strings.HasSuffix(ln, ";") {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(ln, "l"), ";"))
		if err != nil {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	return contract.Window{Start: first, End: last + 1}
}

// TestScenarios 覆盖典型场景（近似规则检查器）。
func TestScenarios(t *testing.T) {
	d := newRulesDetector(t)
	cases := []struct {
		name string
		text string
		ok   bool
		want string
	}{
		{"A 合法语句", scenarioA, true, "hello();\n$world = foo();\nbar($baz); // has semicolon here\n$qux = 1;\n$corge += $qux;"},
		{"B 缺分号", scenarioB, false, ""},
		{"C 方法体内语句", scenarioC, true, "    hello();\n    $world = foo();\n    bar($baz); // has semicolon here\n    $qux = 1;\n    $corge += $qux;"},
		{"C 方法体内缺分号", scenarioCBroken, false, ""},
		{"完整方法声明", methodOnly, true, "public function foo() {\n    hello();\n    $world = foo();\n    bar($baz);\n}"},
		{"D 普通文本", scenarioD, false, ""},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			det, ok := d.Detect(context.Background(), tt.text)
			if ok != tt.ok {
				t.Fatalf("ok=%v 预期 %v, det=%#v", ok, tt.ok, det)
			}
			if ok && (det.Language != "php" || det.Fragment != tt.want) {
				t.Fatalf("片段错误: %#v", det)
			}
		})
	}
}

// TestMethodOnlyUsesWrappedVariant 完整方法声明只有 WrappedInClass 变体合法。
func TestMethodOnlyUsesWrappedVariant(t *testing.T) {
	lines := SplitLines(methodOnly)
	w := contract.Window{Start: 1, End: 6}
	cands, err := BuildCandidates(contract.PHP, lines, w)
	if err != nil {
		t.Fatalf("构造候选失败: %v", err)
	}
	for _, c := range cands {
		got := mock.Rules(contract.PHP, c.Source)
		if got != (c.Variant == contract.WrappedInClass) {
			t.Fatalf("变体 %s 判定为 %v", c.Variant, got)
		}
	}
}

// TestFastPathFilter 不含触发字符时不调用检查器。
func TestFastPathFilter(t *testing.T) {
	f := &fakeChecker{judge: invalid}
	d := New(f, Options{})
	if _, ok := d.Detect(context.Background(), "a\nb\nc\nd\ne\nf\ng\nh"); ok {
		t.Fatalf("不应匹配")
	}
	if f.calls() != 0 {
		t.Fatalf("快速路径不应调用检查器: %d", f.calls())
	}
}

// TestTooFewLines 少于 6 行时不调用检查器。
func TestTooFewLines(t *testing.T) {
	f := &fakeChecker{judge: func(context.Context, string) (bool, error) { return true, nil }}
	d := New(f, Options{})
	if _, ok := d.Detect(context.Background(), strings.Join(numbered(5), "\n")); ok {
		t.Fatalf("5 行不应匹配")
	}
	if f.calls() != 0 {
		t.Fatalf("不应调用检查器: %d", f.calls())
	}
	if _, ok := d.Detect(context.Background(), strings.Join(numbered(6), "\n")); !ok {
		t.Fatalf("6 行应进入搜索并匹配")
	}
}

// TestEnumerationOrder 起始行升序、窗口由大到小，且每个窗口两个变体都被提交。
func TestEnumerationOrder(t *testing.T) {
	f := &fakeChecker{judge: invalid}
	d := New(f, Options{})
	lines := numbered(8)
	if _, ok := d.Detect(context.Background(), strings.Join(lines, "\n")); ok {
		t.Fatalf("不应匹配")
	}
	var want []contract.Window
	for s := 0; s+MinWindowLines <= 8; s++ {
		for e := 8; e >= s+MinWindowLines; e-- {
			want = append(want, contract.Window{Start: s, End: e})
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sources) != 2*len(want) {
		t.Fatalf("调用次数 %d 预期 %d", len(f.sources), 2*len(want))
	}
	for i, w := range want {
		a, b := f.sources[2*i], f.sources[2*i+1]
		if windowOf(a) != w || windowOf(b) != w {
			t.Fatalf("第 %d 个窗口应为 %v，实际 %v/%v", i, w, windowOf(a), windowOf(b))
		}
		wrapped := strings.Contains(a, contract.PHP.ClassOpen) != strings.Contains(b, contract.PHP.ClassOpen)
		if !wrapped {
			t.Fatalf("窗口 %v 应恰好有一个 WrappedInClass 变体", w)
		}
	}
}

// TestPriority 多个窗口合法时，取最早起始行上的最大窗口。
func TestPriority(t *testing.T) {
	lines := append([]string{"prose"}, numbered(7)...)
	f := &fakeChecker{judge: func(_ context.Context, src string) (bool, error) {
		return !strings.Contains(src, "prose"), nil
	}}
	d := New(f, Options{})
	det, ok := d.Detect(context.Background(), strings.Join(lines, "\n"))
	if !ok || det.Fragment != strings.Join(lines[1:8], "\n") {
		t.Fatalf("应返回 [1,8) 窗口: ok=%v frag=%q", ok, det.Fragment)
	}
}

// TestMinimalityRespectsMinWindow 合法片段短于最小窗口时不匹配。
func TestMinimalityRespectsMinWindow(t *testing.T) {
	text := "prose one\nfoo();\nbar();\n$a = 1;\n$b = 2;\nprose two\nprose three"
	d := newRulesDetector(t)
	if _, ok := d.Detect(context.Background(), text); ok {
		t.Fatalf("4 行片段不应匹配")
	}
}

// TestValidatorErrorIsNonTerminal 单个候选故障不影响另一个变体获胜。
func TestValidatorErrorIsNonTerminal(t *testing.T) {
	f := &fakeChecker{judge: func(_ context.Context, src string) (bool, error) {
		if !strings.Contains(src, contract.PHP.ClassOpen) {
			return false, fmt.Errorf("%w: boom", contract.ErrCheckerSpawn)
		}
		return true, nil
	}}
	d := New(f, Options{})
	if _, ok := d.Detect(context.Background(), strings.Join(numbered(6), "\n")); !ok {
		t.Fatalf("WrappedInClass 应获胜")
	}
}

// TestAllValidatorErrorsExhaust 检查器全部故障时穷尽所有窗口后无匹配。
func TestAllValidatorErrorsExhaust(t *testing.T) {
	f := &fakeChecker{judge: func(context.Context, string) (bool, error) {
		return false, errors.New("spawn failed")
	}}
	d := New(f, Options{})
	if _, ok := d.Detect(context.Background(), strings.Join(numbered(7), "\n")); ok {
		t.Fatalf("不应匹配")
	}
	// 7 行：start0 三个窗口 + start1 两个 + start2 一个
	if f.calls() != 2*6 {
		t.Fatalf("应尝试全部窗口: %d", f.calls())
	}
}

// TestDeadlineAbortsSearch 默认策略：首个窗口截止即放弃整次搜索。
func TestDeadlineAbortsSearch(t *testing.T) {
	f := &fakeChecker{judge: blockUntilDone}
	var logs bytes.Buffer
	d := New(f, Options{Logger: diag.NewLoggerTo("t", "info", &logs)})
	d.deadline = 50 * time.Millisecond
	t0 := time.Now()
	if _, ok := d.Detect(context.Background(), strings.Join(numbered(7), "\n")); ok {
		t.Fatalf("不应匹配")
	}
	if f.calls() != 2 {
		t.Fatalf("应只尝试一个窗口: %d", f.calls())
	}
	if time.Since(t0) > 2*time.Second {
		t.Fatalf("截止后未及时返回")
	}
	if f.active.Load() != 0 {
		t.Fatalf("返回后仍有活动校验: %d", f.active.Load())
	}
	out := logs.String()
	if !strings.Contains(out, `"code":"deadline"`) || !strings.Contains(out, "window deadline expired: window 0..7") {
		t.Fatalf("截止日志应携带 deadline 错误码与窗口: %s", out)
	}
}

// TestWindowEventCarriesVariant 命中窗口的 debug 事件记录获胜变体。
func TestWindowEventCarriesVariant(t *testing.T) {
	c, err := mock.New(nil)
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	var logs bytes.Buffer
	d := New(c, Options{Logger: diag.NewLoggerTo("t", "debug", &logs)})
	if _, ok := d.Detect(context.Background(), methodOnly); !ok {
		t.Fatalf("应匹配")
	}
	if !strings.Contains(logs.String(), `"variant":"wrapped_in_class"`) {
		t.Fatalf("debug 事件缺少获胜变体: %s", logs.String())
	}
}

// TestDeadlineSkipWindow 可选策略：截止窗口按穷尽处理，截止时间逐窗口重新计算。
func TestDeadlineSkipWindow(t *testing.T) {
	var n atomic.Int64
	f := &fakeChecker{judge: func(ctx context.Context, src string) (bool, error) {
		// 第一个窗口卡住，之后的窗口立即判定合法
		if n.Add(1) <= 2 {
			return blockUntilDone(ctx, src)
		}
		return true, nil
	}}
	d := New(f, Options{OnDeadline: SkipWindow})
	d.deadline = 50 * time.Millisecond
	lines := numbered(7)
	det, ok := d.Detect(context.Background(), strings.Join(lines, "\n"))
	if !ok || det.Fragment != strings.Join(lines[0:6], "\n") {
		t.Fatalf("应跳过首窗口并匹配 [0,6): ok=%v frag=%q", ok, det.Fragment)
	}
}

// TestWinnerCancelsLoser 合法结果立即返回，另一个候选被取消并在返回前结束。
func TestWinnerCancelsLoser(t *testing.T) {
	var loserErr atomic.Value
	f := &fakeChecker{judge: func(ctx context.Context, src string) (bool, error) {
		if !strings.Contains(src, contract.PHP.ClassOpen) {
			return true, nil
		}
		<-ctx.Done()
		loserErr.Store(ctx.Err())
		return false, ctx.Err()
	}}
	d := New(f, Options{})
	t0 := time.Now()
	if _, ok := d.Detect(context.Background(), strings.Join(numbered(6), "\n")); !ok {
		t.Fatalf("应匹配")
	}
	if time.Since(t0) > 2*time.Second {
		t.Fatalf("获胜后未及时返回")
	}
	if f.active.Load() != 0 {
		t.Fatalf("返回后仍有活动校验: %d", f.active.Load())
	}
	if err, _ := loserErr.Load().(error); !errors.Is(err, context.Canceled) {
		t.Fatalf("落败者应收到取消: %v", err)
	}
}

// TestBoundedConcurrency 单次检测至多两个并发校验，且返回时无残留。
func TestBoundedConcurrency(t *testing.T) {
	f := &fakeChecker{judge: func(context.Context, string) (bool, error) {
		time.Sleep(time.Millisecond)
		return false, nil
	}}
	d := New(f, Options{})
	d.Detect(context.Background(), strings.Join(numbered(9), "\n"))
	if p := f.peak.Load(); p > int64(len(contract.Variants)) {
		t.Fatalf("并发峰值 %d 超过变体数", p)
	}
	if f.active.Load() != 0 {
		t.Fatalf("返回后仍有活动校验")
	}
}

// TestParentCancel 调用方取消时立即放弃，且不受 SkipWindow 影响。
func TestParentCancel(t *testing.T) {
	f := &fakeChecker{judge: blockUntilDone}
	d := New(f, Options{OnDeadline: SkipWindow})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	t0 := time.Now()
	if _, ok := d.Detect(ctx, strings.Join(numbered(8), "\n")); ok {
		t.Fatalf("不应匹配")
	}
	if time.Since(t0) > 2*time.Second || f.calls() != 2 {
		t.Fatalf("取消后应立即返回: calls=%d", f.calls())
	}
}

// TestCRLF 片段中不残留 '\r'。
func TestCRLF(t *testing.T) {
	d := newRulesDetector(t)
	det, ok := d.Detect(context.Background(), strings.ReplaceAll(scenarioA, "\n", "\r\n"))
	if !ok || strings.Contains(det.Fragment, "\r") {
		t.Fatalf("CRLF 归一失败: ok=%v frag=%q", ok, det.Fragment)
	}
}

// TestParseDeadlinePolicy 配置值解析。
func TestParseDeadlinePolicy(t *testing.T) {
	for in, want := range map[string]DeadlinePolicy{"": AbortSearch, "abort": AbortSearch, " Skip ": SkipWindow} {
		got, err := ParseDeadlinePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseDeadlinePolicy(%q)=%v,%v", in, got, err)
		}
	}
	if _, err := ParseDeadlinePolicy("retry"); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("未知策略应报错: %v", err)
	}
}

// TestWithRealPHP 本机存在 php 时用真实检查器跑典型场景。
func TestWithRealPHP(t *testing.T) {
	if _, err := exec.LookPath("php"); err != nil {
		t.Skip("php not installed")
	}
	c, err := lint.New(nil)
	if err != nil {
		t.Fatalf("lint: %v", err)
	}
	d := New(c, Options{})
	ctx := context.Background()
	if _, ok := d.Detect(ctx, scenarioA); !ok {
		t.Fatalf("场景 A 应匹配")
	}
	if _, ok := d.Detect(ctx, scenarioB); ok {
		t.Fatalf("场景 B 不应匹配")
	}
	if det, ok := d.Detect(ctx, scenarioC); !ok || !strings.HasPrefix(det.Fragment, "    hello();") {
		t.Fatalf("场景 C 应匹配: %#v", det)
	}
	if _, ok := d.Detect(ctx, scenarioCBroken); ok {
		t.Fatalf("场景 C 缺分号不应匹配")
	}
	if det, ok := d.Detect(ctx, methodOnly); !ok || !strings.HasPrefix(det.Fragment, "public function foo()") {
		t.Fatalf("完整方法声明应匹配: %#v", det)
	}
	if _, ok := d.Detect(ctx, scenarioD); ok {
		t.Fatalf("场景 D 不应匹配")
	}
}
