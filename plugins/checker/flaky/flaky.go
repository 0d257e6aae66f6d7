package flaky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/SOF3/bthint/pkg/contract"
	"github.com/SOF3/bthint/plugins/checker/mock"
)

// Options 定义可选项。
type Options struct {
	// Failures: 前 N 次调用返回检查器故障，默认 1。
	Failures int `json:"failures,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Checker 是带状态的检查器：
// 前 Failures 次 Check 返回 ErrCheckerSpawn；
// 之后按 mock.Rules 判定。
type Checker struct {
	failures int32
	logPath  string
	count    atomic.Int32
}

// New 构造 Checker。
func New(raw json.RawMessage) (*Checker, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	if o.Failures <= 0 {
		o.Failures = 1
	}
	return &Checker{failures: int32(o.Failures), logPath: o.LogPath}, nil
}

func (c *Checker) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Dialect 实现 contract.Checker。
func (c *Checker) Dialect() contract.Dialect { return contract.PHP }

// Check 实现 contract.Checker。
func (c *Checker) Check(ctx context.Context, source string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n := c.count.Add(1)
	if n <= c.failures {
		c.log("spawn_failed")
		return false, fmt.Errorf("%w: flaky call %d", contract.ErrCheckerSpawn, n)
	}
	ok := mock.Rules(contract.PHP, source)
	if ok {
		c.log("valid")
	} else {
		c.log("invalid")
	}
	return ok, nil
}

var _ contract.Checker = (*Checker)(nil)
