package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SOF3/bthint/pkg/contract"
)

// LimitKey: 限流分组键（频道或 GlobalKey）。
type LimitKey string

// Quota: 一个分组每分钟可发出的回复。0 表示该维度不限。
type Quota struct {
	Replies int // 回复条数
	Chars   int // 回复字符数（按 rune）
}

// Gate 记录每个分组最近一分钟内已放行的回复，并按 Quota 决定下一条何时可发。并发安全。
type Gate struct {
	window time.Duration
	now    func() time.Time
	def    Quota
	fixed  map[LimitKey]Quota

	mu   sync.Mutex
	logs map[LimitKey]*history
}

type sent struct {
	at    time.Time
	chars int
}

// history 是单个分组窗口内的发送记录，按时间升序。
type history struct {
	quota Quota
	sent  []sent
	chars int
}

// New 构造闸门：fixed 中的分组使用各自的额度，其余分组懒创建并使用 def；now 为空则使用 time.Now。
func New(def Quota, fixed map[LimitKey]Quota, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{window: time.Minute, now: now, def: def, fixed: fixed, logs: make(map[LimitKey]*history)}
}

// Admit 阻塞直到 keys 中每个分组都能再容纳一条 chars 长的回复，然后在全部分组上一并记账。
// 等待期间 ctx 取消时不消耗任何分组的额度；单条回复超过某分组的字符额度时返回 ErrBudgetExceeded。
func (g *Gate) Admit(ctx context.Context, chars int, keys ...LimitKey) error {
	if chars < 0 || len(keys) == 0 {
		return contract.ErrInvalidInput
	}
	keys = uniq(keys)
	for {
		g.mu.Lock()
		now := g.now()
		var wait time.Duration
		for _, k := range keys {
			h := g.lane(k)
			if q := h.quota.Chars; q > 0 && chars > q {
				g.mu.Unlock()
				return fmt.Errorf("%w: reply of %d chars exceeds %d per minute on %s", contract.ErrBudgetExceeded, chars, q, k)
			}
			h.expire(now, g.window)
			if d := h.delay(now, g.window, chars); d > wait {
				wait = d
			}
		}
		if wait <= 0 {
			for _, k := range keys {
				g.logs[k].record(now, chars)
			}
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// lane 返回分组的发送记录，在 g.mu 下调用。
func (g *Gate) lane(k LimitKey) *history {
	h := g.logs[k]
	if h == nil {
		q, ok := g.fixed[k]
		if !ok {
			q = g.def
		}
		h = &history{quota: q}
		g.logs[k] = h
	}
	return h
}

func (h *history) expire(now time.Time, window time.Duration) {
	i := 0
	for ; i < len(h.sent) && !h.sent[i].at.Add(window).After(now); i++ {
		h.chars -= h.sent[i].chars
	}
	h.sent = h.sent[i:]
}

// delay 返回再容纳一条 chars 长的回复前需等待的时长；0 表示可立即放行。
func (h *history) delay(now time.Time, window time.Duration, chars int) time.Duration {
	var d time.Duration
	if q := h.quota.Replies; q > 0 && len(h.sent) >= q {
		d = h.sent[len(h.sent)-q].at.Add(window).Sub(now)
	}
	if q := h.quota.Chars; q > 0 {
		over := h.chars + chars - q
		for i := 0; over > 0 && i < len(h.sent); i++ {
			over -= h.sent[i].chars
			if over <= 0 {
				if e := h.sent[i].at.Add(window).Sub(now); e > d {
					d = e
				}
			}
		}
	}
	return d
}

func (h *history) record(now time.Time, chars int) {
	if h.quota.Replies <= 0 && h.quota.Chars <= 0 {
		return
	}
	h.sent = append(h.sent, sent{at: now, chars: chars})
	h.chars += chars
}

func uniq(keys []LimitKey) []LimitKey {
	out := make([]LimitKey, 0, len(keys))
	for _, k := range keys {
		dup := false
		for _, o := range out {
			if o == k {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, k)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
