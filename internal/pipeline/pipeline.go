package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/SOF3/bthint/internal/detect"
	"github.com/SOF3/bthint/internal/diag"
	"github.com/SOF3/bthint/internal/hint"
	"github.com/SOF3/bthint/internal/rate"
	"github.com/SOF3/bthint/pkg/contract"
)

// - 单点并发：仅此层管理并发与背压；检测器内部的两路竞速除外。
// - 有界通道：Listen 回调在队列满时阻塞，形成对传输层的背压。
// - 单条消息的失败（检测器故障、回复失败、限流）只记日志，不中断监听。
// - Run 在 Listen 返回且队列排空后返回；ctx 取消视为正常结束。

// DefaultDedupSize: 去重窗口默认容量（消息 ID 个数）。
const DefaultDedupSize = 1024

// DefaultInviteCommand: 触发邀请链接回复的消息内容。
const DefaultInviteCommand = "bthint invite"

// Formatter: 检测结果 → 回复文本。
type Formatter interface {
	Format(det contract.Detection) (reply string, fitted bool, err error)
}

// Components 聚合运行所需的组件。
type Components struct {
	Transport contract.Transport
	Detector  contract.Detector
	Formatter Formatter
}

// Settings 运行期配置。
type Settings struct {
	// ClientID: 机器人自身的用户 ID；用于跳过自身消息并生成邀请链接。为空时尝试从传输层获取。
	ClientID string
	// TargetGuild: 非空时只处理该服务器的消息（私聊不受限）。
	TargetGuild   string
	InviteCommand string
	Concurrency   int
	DedupSize     int
	// 限流闸门（可选）：回复前同时占用频道键与全局键的额度
	Gate *rate.Gate
}

// selfIdentifier: 传输层可选接口，提供连接后得知的机器人 ID。
type selfIdentifier interface {
	SelfID() string
}

// Run 执行消息循环：Listen → 去重 → 过滤 → 检测 → 格式化 → (Gate) → Reply。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) error {
	if err := sanity(comp); err != nil {
		return fmt.Errorf("sanity: %w", err)
	}
	set = normalize(set)
	seen, err := lru.New[contract.MessageID, struct{}](set.DedupSize)
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 有界通道：默认 2×并发度，形成自然背压
	inCh := make(chan contract.Message, set.Concurrency*2)
	var wg sync.WaitGroup
	worker := func() {
		defer wg.Done()
		for m := range inCh {
			failed := handle(ctx, comp, set, logger, m)
			if t := diag.GetTerminal(); t != nil {
				t.MessageDone(failed)
			}
		}
	}
	wg.Add(set.Concurrency)
	for i := 0; i < set.Concurrency; i++ {
		go worker()
	}

	ltimer := logger.Start("transport", "listen")
	lerr := comp.Transport.Listen(ctx, func(lctx context.Context, m contract.Message) error {
		if m.ID != "" {
			if dup, _ := seen.ContainsOrAdd(m.ID, struct{}{}); dup {
				logger.DebugStart("dedup", "duplicate", string(m.ID), "", nil)
				diag.IncOp("dedup", "skip", "duplicate")
				return nil
			}
		}
		select {
		case <-lctx.Done():
			return lctx.Err()
		case <-ctx.Done():
			return ctx.Err()
		case inCh <- m:
			return nil
		}
	})
	close(inCh)
	wg.Wait()

	if lerr != nil {
		if ctx.Err() != nil && errors.Is(lerr, ctx.Err()) {
			ltimer.Finish("listen canceled", 0)
			return nil
		}
		code := diag.Classify(lerr)
		logger.Error("transport", string(code), "listen failed", nil)
		diag.IncOp("transport", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("transport", string(code))
		}
		return fmt.Errorf("transport listen: %w", lerr)
	}
	ltimer.Finish("listen", 0)
	diag.IncOp("transport", "finish", "success")
	return nil
}

// handle 处理单条消息；返回 true 表示出现了需要关注的失败。
func handle(ctx context.Context, comp Components, set Settings, logger *diag.Logger, m contract.Message) bool {
	msgID := string(m.ID)
	clientID := set.ClientID
	if clientID == "" {
		if si, ok := comp.Transport.(selfIdentifier); ok {
			clientID = si.SelfID()
		}
	}

	if set.TargetGuild != "" && m.GuildID != "" && m.GuildID != set.TargetGuild {
		diag.IncOp("filter", "skip", "guild")
		return false
	}
	if clientID != "" && m.AuthorID == clientID {
		diag.IncOp("filter", "skip", "self")
		return false
	}
	if strings.TrimSpace(m.Content) == set.InviteCommand {
		if clientID == "" {
			logger.WarnWith("pipeline", string(diag.CodeInvariant), "invite requested but client id unknown", msgID, "", nil)
			return true
		}
		return reply(ctx, comp, set, logger, m, hint.Invite(clientID)) != nil
	}
	if hint.HasCodeFence(m.Content) {
		diag.IncOp("filter", "skip", "fenced")
		return false
	}

	t0 := time.Now()
	det, found := comp.Detector.Detect(detect.WithMessageID(ctx, m.ID), m.Content)
	diag.ObserveDuration("detector", "detect", time.Since(t0).Milliseconds())
	if !found {
		diag.IncOp("detector", "finish", "not_found")
		return false
	}
	diag.IncOp("detector", "finish", "found")

	text, fitted, err := comp.Formatter.Format(det)
	if err != nil {
		code := diag.Classify(err)
		logger.ErrorWith("hint", string(code), fmt.Sprintf("format failed: %v", err), nil, msgID, "")
		diag.IncOp("hint", "error", "error")
		return true
	}
	if !fitted {
		logger.WarnWith("hint", string(diag.CodeBudget), "reply over budget, using short hint", msgID, "", map[string]string{
			"fragment_runes": fmt.Sprintf("%d", utf8.RuneCountInString(det.Fragment)),
		})
	}
	if err := reply(ctx, comp, set, logger, m, text); err != nil {
		return true
	}
	if t := diag.GetTerminal(); t != nil {
		t.Hint(m.ChannelID, det.Language, strings.Count(det.Fragment, "\n")+1, time.Since(t0))
	}
	return false
}

// reply 申请额度后发送回复；错误已记录。
func reply(ctx context.Context, comp Components, set Settings, logger *diag.Logger, m contract.Message, text string) error {
	msgID := string(m.ID)
	if set.Gate != nil {
		chars := utf8.RuneCountInString(text)
		key := rate.KeyForMessage(m)
		logger.DebugStart("gate", "admit", msgID, "", map[string]string{"key": string(key), "chars": fmt.Sprintf("%d", chars)})
		if err := set.Gate.Admit(ctx, chars, key, rate.GlobalKey); err != nil {
			code := diag.Classify(err)
			logger.ErrorWithKV("gate", string(code), "admit failed", nil, msgID, "", map[string]string{"key": string(key), "err": err.Error()})
			diag.IncOp("gate", "error", "error")
			if code != diag.CodeUnknown {
				diag.IncError("gate", string(code))
			}
			return err
		}
	}

	rtimer := logger.StartWith("transport", "reply", msgID, "")
	if err := comp.Transport.Reply(ctx, m, text); err != nil {
		code := diag.Classify(err)
		// 若为上游 HTTP 错误，附带状态码/消息
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			kv := map[string]string{"http_status": fmt.Sprintf("%d", ue.UpstreamStatus())}
			if msg := strings.TrimSpace(ue.UpstreamMessage()); msg != "" {
				if len(msg) > 200 {
					msg = msg[:200]
				}
				kv["upstream_msg"] = msg
			}
			logger.ErrorWithKV("transport", string(code), "reply failed", nil, msgID, "", kv)
		} else {
			logger.ErrorWith("transport", string(code), fmt.Sprintf("reply failed: %v", err), nil, msgID, "")
		}
		diag.IncOp("transport", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("transport", string(code))
		}
		return err
	}
	rtimer.Finish("reply", int64(utf8.RuneCountInString(text)))
	diag.IncOp("transport", "reply", "success")
	return nil
}

func sanity(c Components) error {
	if c.Transport == nil || c.Detector == nil || c.Formatter == nil {
		return errors.New("pipeline: missing components")
	}
	return nil
}

func normalize(s Settings) Settings {
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.DedupSize <= 0 {
		s.DedupSize = DefaultDedupSize
	}
	if strings.TrimSpace(s.InviteCommand) == "" {
		s.InviteCommand = DefaultInviteCommand
	}
	s.InviteCommand = strings.TrimSpace(s.InviteCommand)
	return s
}
