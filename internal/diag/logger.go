package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// SinkOptions: 日志落盘轮转参数（lumberjack）。
type SinkOptions struct {
	Dir        string // 目录，默认 logs
	MaxSizeMB  int    // 单文件上限，默认 10
	MaxBackups int    // 保留历史文件数，默认 3
	MaxAgeDays int    // 保留天数，默认 28
	Compress   bool
}

func (o *SinkOptions) defaults() {
	if strings.TrimSpace(o.Dir) == "" {
		o.Dir = "logs"
	}
	if o.MaxSizeMB <= 0 {
		o.MaxSizeMB = 10
	}
	if o.MaxBackups <= 0 {
		o.MaxBackups = 3
	}
	if o.MaxAgeDays <= 0 {
		o.MaxAgeDays = 28
	}
}

// NewFileSink 返回按大小轮转的日志文件写入器 <dir>/bthint.log。
func NewFileSink(o SinkOptions) io.WriteCloser {
	o.defaults()
	return &lumberjack.Logger{
		Filename:   filepath.Join(o.Dir, "bthint.log"),
		MaxSize:    o.MaxSizeMB,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAgeDays,
		Compress:   o.Compress,
	}
}

// Logger 为最小结构化日志器：单行 JSON 输出到 sink；sink 为空或写失败时回退 stderr。
type Logger struct {
	corrID string
	level  Level
	sink   io.Writer
	mu     sync.Mutex
}

// NewLogger 通过配置的 level 初始化，并将日志写入默认路径 logs/bthint.log，10MB 轮转。
func NewLogger(corrID, level string) *Logger {
	return NewLoggerTo(corrID, level, NewFileSink(SinkOptions{}))
}

// NewLoggerTo 将日志写入给定 sink（nil 表示 stderr）。
func NewLoggerTo(corrID, level string, sink io.Writer) *Logger {
	return &Logger{corrID: corrID, level: parseLevel(strings.TrimSpace(level)), sink: sink}
}

// Close 关闭可关闭的 sink。
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error|warn
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	MsgID  string            `json:"msg_id,omitempty"`
	Window string            `json:"window,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

// log 以最小开销写出事件，遵循级别过滤。
func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	b = append(b, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		_, _ = os.Stderr.Write(b)
		return
	}
	if _, err := l.sink.Write(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(b)
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 msg_id/window 的 start。
func (l *Logger) StartWith(comp, msg, msgID, window string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", MsgID: msgID, Window: window, Msg: msg})
	return &Timer{l: l, comp: comp, msgID: msgID, window: window, t0: time.Now()}
}

// StartWithKV 记录带 msg_id/window 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, msgID, window string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", MsgID: msgID, Window: window, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, msgID: msgID, window: window, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg})
}

// ErrorWith 支持 msg_id/window。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, msgID, window string) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, MsgID: msgID, Window: window})
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, msgID, window string, kv map[string]string) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, MsgID: msgID, Window: window, KV: kv})
}

// WarnWith 记录可恢复的异常（例如单个候选的检查器故障）。
func (l *Logger) WarnWith(comp, code, msg, msgID, window string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, MsgID: msgID, Window: window, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	msgID  string
	window string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, MsgID: t.msgID, Window: t.window, Msg: msg})
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, msgID, window string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", MsgID: msgID, Window: window, Msg: msg, KV: kv})
}

// DebugFinish 输出调试级别的“finish”类事件。
func (l *Logger) DebugFinish(comp, msg, msgID, window string, start time.Time, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), MsgID: msgID, Window: window, Msg: msg, KV: kv})
}

func since(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return time.Since(*t).Milliseconds()
}
