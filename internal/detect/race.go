package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SOF3/bthint/internal/diag"
	"github.com/SOF3/bthint/pkg/contract"
)

type raceStatus int

const (
	// raceFound: 某个候选合法。
	raceFound raceStatus = iota
	// raceExhausted: 全部候选非法或故障。
	raceExhausted
	// raceExpired: 窗口截止时间先到。
	raceExpired
	// raceCanceled: 调用方 ctx 已取消。
	raceCanceled
)

type raceResult struct {
	status   raceStatus
	variant  contract.Variant
	fragment string
	// err: raceExpired 时包装 ErrDeadlineExpired；候选无法构造时为构造错误。
	err error
}

// race 并发校验一个窗口的全部候选，首个 Valid 获胜。
// 截止时间从进入本函数起算，每个窗口独立。
// 返回前取消全部未决校验并等待其返回，保证没有检查器进程存活。
func (d *Detector) race(ctx context.Context, lines []string, w contract.Window, tr trace) raceResult {
	cands, err := BuildCandidates(d.dialect, lines, w)
	if err != nil {
		return raceResult{status: raceExhausted, err: err}
	}
	rctx, cancel := context.WithTimeout(ctx, d.deadline)
	fragment := w.Text(lines)
	results := make(chan contract.Outcome, len(cands))
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	for _, c := range cands {
		wg.Add(1)
		go func(c contract.Candidate) {
			defer wg.Done()
			results <- validate(rctx, d.checker, c, fragment)
		}(c)
	}

	t0 := time.Now()
	for pending := len(cands); pending > 0; pending-- {
		select {
		case o := <-results:
			switch o.Kind {
			case contract.Valid:
				return raceResult{status: raceFound, variant: o.Variant, fragment: o.Fragment}
			case contract.ValidatorError:
				if rctx.Err() != nil {
					return d.expiry(ctx, w)
				}
				code := diag.Classify(o.Err)
				d.logger.WarnWith("detect", string(code), fmt.Sprintf("checker failed: %v", o.Err), tr.msgID, windowLabel(w),
					map[string]string{"variant": o.Variant.String()})
				diag.IncError("detect", string(code))
			}
		case <-rctx.Done():
			return d.expiry(ctx, w)
		}
	}
	diag.ObserveDuration("detect", "race", time.Since(t0).Milliseconds())
	return raceResult{status: raceExhausted}
}

// expiry 区分调用方取消与窗口截止。
func (d *Detector) expiry(ctx context.Context, w contract.Window) raceResult {
	if err := ctx.Err(); err != nil {
		return raceResult{status: raceCanceled, err: err}
	}
	return raceResult{status: raceExpired, err: fmt.Errorf("%w: window %s after %s", contract.ErrDeadlineExpired, windowLabel(w), d.deadline)}
}

func windowLabel(w contract.Window) string { return fmt.Sprintf("%d..%d", w.Start, w.End) }
