package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SOF3/bthint/internal/detect"
	"github.com/SOF3/bthint/internal/diag"
	"github.com/SOF3/bthint/internal/hint"
	"github.com/SOF3/bthint/internal/rate"
	"github.com/SOF3/bthint/pkg/contract"
	"github.com/SOF3/bthint/plugins/checker/mock"
)

const snippet = "hello\n$a = 1;\n$b = 2;\n$c = 3;\n$d = 4;\n$e = 5;\nbye"

// 通用桩件 ----------------------------------------------------
type stubTransport struct {
	msgs      []contract.Message
	listenErr error
	replyErr  error
	self      string

	mu      sync.Mutex
	replies map[contract.MessageID]string
	order   []contract.MessageID
}

func (s *stubTransport) Listen(ctx context.Context, handle func(context.Context, contract.Message) error) error {
	for _, m := range s.msgs {
		if err := handle(ctx, m); err != nil {
			return err
		}
	}
	return s.listenErr
}

func (s *stubTransport) Reply(ctx context.Context, to contract.Message, content string) error {
	if s.replyErr != nil {
		return s.replyErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replies == nil {
		s.replies = make(map[contract.MessageID]string)
	}
	s.replies[to.ID] = content
	s.order = append(s.order, to.ID)
	return nil
}

func (s *stubTransport) SelfID() string { return s.self }

func (s *stubTransport) reply(id contract.MessageID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.replies[id]
	return r, ok
}

func (s *stubTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func components(t *testing.T, tr contract.Transport) Components {
	t.Helper()
	c, err := mock.New(nil)
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	f, err := hint.New(nil)
	if err != nil {
		t.Fatalf("hint: %v", err)
	}
	return Components{Transport: tr, Detector: detect.New(c, detect.Options{}), Formatter: f}
}

func msg(id, content string) contract.Message {
	return contract.Message{ID: contract.MessageID(id), ChannelID: "c1", GuildID: "g1", AuthorID: "u1", Content: content}
}

// TestRunRepliesWithHint: 未加围栏的代码得到提示回复，片段为最小合法窗口。
func TestRunRepliesWithHint(t *testing.T) {
	tr := &stubTransport{msgs: []contract.Message{msg("m1", snippet), msg("m2", "just chatting")}}
	if err := Run(context.Background(), components(t, tr), Settings{}, diag.NewLoggerTo("t", "debug", &strings.Builder{})); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	r, ok := tr.reply("m1")
	if !ok {
		t.Fatalf("m1 应得到回复")
	}
	want := "```php\n$a = 1;\n$b = 2;\n$c = 3;\n$d = 4;\n$e = 5;\n```"
	if !strings.Contains(r, want) {
		t.Fatalf("回复缺少渲染片段:\n%s", r)
	}
	if strings.Contains(r, "bye") || strings.Contains(r, "hello") {
		t.Fatalf("片段不应包含窗口外的行:\n%s", r)
	}
	if _, ok := tr.reply("m2"); ok {
		t.Fatalf("普通聊天不应回复")
	}
}

// TestRunFilters 覆盖各类跳过规则。
func TestRunFilters(t *testing.T) {
	other := msg("g", snippet)
	other.GuildID = "elsewhere"
	dm := msg("dm", snippet)
	dm.GuildID = ""
	self := msg("self", snippet)
	self.AuthorID = "bot"
	fenced := msg("fenced", "```\n"+snippet+"\n```")
	tr := &stubTransport{msgs: []contract.Message{other, dm, self, fenced}}
	set := Settings{ClientID: "bot", TargetGuild: "g1"}
	if err := Run(context.Background(), components(t, tr), set, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if _, ok := tr.reply("g"); ok {
		t.Fatalf("其他服务器的消息应被忽略")
	}
	if _, ok := tr.reply("dm"); !ok {
		t.Fatalf("私聊不受服务器过滤影响")
	}
	if _, ok := tr.reply("self"); ok {
		t.Fatalf("自身消息应被忽略")
	}
	if _, ok := tr.reply("fenced"); ok {
		t.Fatalf("已含围栏的消息应被忽略")
	}
}

// TestRunInvite: 邀请命令回复邀请链接；ClientID 缺省时取传输层 SelfID。
func TestRunInvite(t *testing.T) {
	tr := &stubTransport{self: "42", msgs: []contract.Message{msg("i", "  bthint invite \n")}}
	if err := Run(context.Background(), components(t, tr), Settings{}, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	r, _ := tr.reply("i")
	if r != hint.Invite("42") {
		t.Fatalf("邀请回复错误: %q", r)
	}

	custom := &stubTransport{msgs: []contract.Message{msg("a", "!invite"), msg("b", "bthint invite")}}
	if err := Run(context.Background(), components(t, custom), Settings{ClientID: "7", InviteCommand: "!invite"}, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if r, _ := custom.reply("a"); !strings.Contains(r, "client_id=7") {
		t.Fatalf("自定义命令未生效: %q", r)
	}
	if _, ok := custom.reply("b"); ok {
		t.Fatalf("默认命令不应再触发")
	}
}

// TestRunDedup: 同一消息 ID 重复投递只处理一次。
func TestRunDedup(t *testing.T) {
	tr := &stubTransport{msgs: []contract.Message{msg("m", snippet), msg("m", snippet), msg("m", snippet)}}
	if err := Run(context.Background(), components(t, tr), Settings{DedupSize: 8}, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("重复消息应只回复一次, 实际 %d", tr.count())
	}
}

// TestRunReplyErrorDoesNotStop: 回复失败只记录，不中断循环。
func TestRunReplyErrorDoesNotStop(t *testing.T) {
	tr := &stubTransport{replyErr: contract.ErrRateLimited, msgs: []contract.Message{msg("a", snippet), msg("b", snippet)}}
	if err := Run(context.Background(), components(t, tr), Settings{}, nil); err != nil {
		t.Fatalf("回复失败不应使 Run 出错: %v", err)
	}
}

// TestRunListenError: 传输层错误透传。
func TestRunListenError(t *testing.T) {
	boom := errors.New("boom")
	tr := &stubTransport{listenErr: boom}
	err := Run(context.Background(), components(t, tr), Settings{}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("应返回监听错误, got %v", err)
	}
}

// TestRunMissingComponents: 组件缺失时快速失败。
func TestRunMissingComponents(t *testing.T) {
	if err := Run(context.Background(), Components{}, Settings{}, nil); err == nil {
		t.Fatalf("应报错")
	}
}

// blockingTransport 持续投递消息直到 ctx 取消。
type blockingTransport struct {
	stubTransport
	sent atomic.Int32
}

func (b *blockingTransport) Listen(ctx context.Context, handle func(context.Context, contract.Message) error) error {
	for i := 0; ; i++ {
		m := msg(string(rune('a'+i%26))+time.Now().Format("150405.000000000"), "chat")
		if err := handle(ctx, m); err != nil {
			return err
		}
		b.sent.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// TestRunCancelIsClean: ctx 取消视为正常结束。
func TestRunCancelIsClean(t *testing.T) {
	tr := &blockingTransport{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := Run(ctx, components(t, tr), Settings{Concurrency: 2}, nil); err != nil {
		t.Fatalf("取消后应返回 nil, got %v", err)
	}
	if tr.sent.Load() == 0 {
		t.Fatalf("应至少投递一条消息")
	}
}

// TestRunGateBudget: 回复超出频道字符额度时被闸门拒绝，不发送。
func TestRunGateBudget(t *testing.T) {
	tr := &stubTransport{msgs: []contract.Message{msg("m", snippet)}}
	gate := rate.New(rate.Quota{Chars: 10}, nil, nil)
	if err := Run(context.Background(), components(t, tr), Settings{Gate: gate}, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if tr.count() != 0 {
		t.Fatalf("超出上限的回复不应发送")
	}
}

// TestRunConcurrentWorkers: 多 worker 下每条消息恰好回复一次。
func TestRunConcurrentWorkers(t *testing.T) {
	var msgs []contract.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, msg(string(rune('A'+i)), snippet))
	}
	tr := &stubTransport{msgs: msgs}
	if err := Run(context.Background(), components(t, tr), Settings{Concurrency: 4}, nil); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if tr.count() != len(msgs) {
		t.Fatalf("回复数 %d, 预期 %d", tr.count(), len(msgs))
	}
}
