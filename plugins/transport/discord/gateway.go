package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SOF3/bthint/internal/diag"
	"github.com/SOF3/bthint/pkg/contract"
)

// 网关操作码。
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

const (
	writeWait  = 10 * time.Second
	maxBackoff = 60 * time.Second
	// closeResumable: 非 1000/1001 的关闭码保留会话，可用于 Resume。
	closeResumable = 4000
)

type payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type outbound struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

var (
	errReconnect = errors.New("gateway requested reconnect")
	errZombie    = errors.New("heartbeat not acknowledged")
)

// fatalError: 不可通过重连恢复的会话错误（鉴权失败、intents 非法等）。
type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// handleError: handle 返回的错误，作为取消原因原样交还给 Listen 的调用方。
type handleError struct{ err error }

func (e handleError) Error() string { return e.err.Error() }
func (e handleError) Unwrap() error { return e.err }

// Listen 实现 contract.Transport：维持网关会话，断线后指数退避重连（优先 Resume）。
// 读循环只把 MESSAGE_CREATE 放入有界收件箱，handle 在独立 goroutine 中串行执行，
// 因此 handle 阻塞时心跳 ACK 仍被读取。收件箱已满时丢弃新消息并记录。
func (t *Transport) Listen(ctx context.Context, handle func(ctx context.Context, m contract.Message) error) error {
	lctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	inbox := make(chan contract.Message, t.queueSize)
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		deliver(lctx, inbox, handle, stop)
	}()
	err := t.reconnect(lctx, inbox)
	stop(nil)
	<-delivered
	var he handleError
	if errors.As(context.Cause(lctx), &he) {
		return he.err
	}
	return err
}

// deliver 依次把收件箱中的消息交给 handle；handle 出错时以该错误结束整个 Listen。
func deliver(ctx context.Context, inbox <-chan contract.Message, handle func(context.Context, contract.Message) error, stop context.CancelCauseFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-inbox:
			if err := handle(ctx, m); err != nil {
				stop(handleError{err: err})
				return
			}
		}
	}
}

func (t *Transport) reconnect(ctx context.Context, inbox chan<- contract.Message) error {
	delay := t.retryDelay
	for {
		started := time.Now()
		err := t.session(ctx, inbox)
		if ctx.Err() != nil {
			return nil
		}
		var fe fatalError
		if errors.As(err, &fe) {
			t.logger.Error("discord", string(diag.Classify(err)), fmt.Sprintf("gateway session fatal: %v", err), &started)
			return err
		}
		if time.Since(started) > maxBackoff {
			delay = t.retryDelay
		}
		t.logger.ErrorWithKV("discord", string(diag.Classify(err)), fmt.Sprintf("gateway session ended: %v", err), &started, "", "",
			map[string]string{"retry_in": delay.String()})
		diag.IncError("discord", string(diag.Classify(err)))
		if err := sleepCtx(ctx, delay); err != nil {
			return nil
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}

func (t *Transport) session(ctx context.Context, inbox chan<- contract.Message) error {
	t.mu.Lock()
	target := t.gatewayURL
	resume := t.sessionID != ""
	if resume && t.resumeURL != "" {
		target = strings.TrimRight(t.resumeURL, "/") + "/?v=10&encoding=json"
	}
	t.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, t.timeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, target, nil)
	cancelDial()
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}
	defer conn.Close()

	// Hello
	if err := conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return err
	}
	var hello payload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("gateway hello: %w", err)
	}
	var hd struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	if hello.Op != opHello || json.Unmarshal(hello.D, &hd) != nil || hd.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: expected hello, got op %d", contract.ErrResponseInvalid, hello.Op)
	}
	interval := time.Duration(hd.HeartbeatInterval) * time.Millisecond

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := make(chan outbound, 4)
	beat := make(chan struct{}, 1)
	var acked atomic.Bool
	acked.Store(true)
	writerErr := make(chan error, 1)
	go func() { writerErr <- t.writeLoop(ctx, sctx, conn, interval, out, beat, &acked) }()
	stop := func() error {
		cancel()
		return <-writerErr
	}

	out <- t.greeting(resume)
	t.logger.StartWithKV("discord", "gateway session", "", "", map[string]string{"resume": fmt.Sprint(resume), "heartbeat": interval.String()})

	readWait := 2*interval + t.timeout
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			_ = stop()
			return err
		}
		var p payload
		if err := conn.ReadJSON(&p); err != nil {
			werr := stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if werr != nil && !errors.Is(werr, context.Canceled) {
				return werr
			}
			return t.classifyClose(err)
		}
		if p.S != nil {
			t.mu.Lock()
			t.seq = *p.S
			t.mu.Unlock()
		}
		switch p.Op {
		case opDispatch:
			if err := t.dispatch(p, inbox); err != nil {
				_ = stop()
				return err
			}
		case opHeartbeat:
			select {
			case beat <- struct{}{}:
			default:
			}
		case opHeartbeatAck:
			acked.Store(true)
		case opReconnect:
			_ = stop()
			return errReconnect
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.D, &resumable)
			if !resumable {
				t.clearSession()
			}
			_ = stop()
			return errReconnect
		}
	}
}

// writeLoop 是连接上唯一的写者：发送握手、周期心跳与按需心跳。
// sctx 结束时发送关闭帧并关闭连接，以解除读循环的阻塞。
func (t *Transport) writeLoop(parent, sctx context.Context, conn *websocket.Conn, interval time.Duration, out <-chan outbound, beat <-chan struct{}, acked *atomic.Bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	write := func(v outbound) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return conn.WriteJSON(v)
	}
	fail := func(err error) error {
		_ = conn.Close()
		return err
	}
	for {
		select {
		case <-sctx.Done():
			code := closeResumable
			if parent.Err() != nil {
				code = websocket.CloseNormalClosure
			}
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
			_ = conn.Close()
			return sctx.Err()
		case v := <-out:
			if err := write(v); err != nil {
				return fail(err)
			}
		case <-beat:
			if err := write(t.heartbeat()); err != nil {
				return fail(err)
			}
		case <-ticker.C:
			if !acked.Swap(false) {
				return fail(errZombie)
			}
			if err := write(t.heartbeat()); err != nil {
				return fail(err)
			}
		}
	}
}

func (t *Transport) heartbeat() outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seq == 0 {
		return outbound{Op: opHeartbeat, D: nil}
	}
	return outbound{Op: opHeartbeat, D: t.seq}
}

func (t *Transport) greeting(resume bool) outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	if resume {
		return outbound{Op: opResume, D: map[string]any{
			"token":      t.token,
			"session_id": t.sessionID,
			"seq":        t.seq,
		}}
	}
	return outbound{Op: opIdentify, D: map[string]any{
		"token":   t.token,
		"intents": t.intents,
		"properties": map[string]string{
			"os":      runtime.GOOS,
			"browser": "bthint",
			"device":  "bthint",
		},
	}}
}

type readyEvent struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	User             struct {
		ID string `json:"id"`
	} `json:"user"`
}

type messageCreate struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Content   string `json:"content"`
	Author    struct {
		ID  string `json:"id"`
		Bot bool   `json:"bot"`
	} `json:"author"`
}

func (t *Transport) dispatch(p payload, inbox chan<- contract.Message) error {
	switch p.T {
	case "READY":
		var r readyEvent
		if err := json.Unmarshal(p.D, &r); err != nil {
			return fmt.Errorf("%w: READY: %v", contract.ErrResponseInvalid, err)
		}
		t.mu.Lock()
		t.sessionID, t.resumeURL, t.selfID = r.SessionID, r.ResumeGatewayURL, r.User.ID
		t.mu.Unlock()
		diag.IncOp("discord", "ready", "success")
	case "RESUMED":
		diag.IncOp("discord", "resumed", "success")
	case "MESSAGE_CREATE":
		var m messageCreate
		if err := json.Unmarshal(p.D, &m); err != nil {
			t.logger.ErrorWith("discord", string(diag.CodeProtocol), fmt.Sprintf("MESSAGE_CREATE decode: %v", err), nil, "", "")
			return nil
		}
		msg := contract.Message{
			ID:        contract.MessageID(m.ID),
			ChannelID: m.ChannelID,
			GuildID:   m.GuildID,
			AuthorID:  m.Author.ID,
			Content:   m.Content,
		}
		select {
		case inbox <- msg:
		default:
			t.logger.WarnWith("discord", string(diag.CodeBudget), "inbox full, dropping message", string(msg.ID), "",
				map[string]string{"queue_size": fmt.Sprint(cap(inbox))})
			diag.IncError("discord", string(diag.CodeBudget))
		}
	}
	return nil
}

// classifyClose 将关闭码映射为重连/致命错误。
func (t *Transport) classifyClose(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case 4004, 4010, 4011, 4012, 4013, 4014:
		return fatalError{err: fmt.Errorf("%w: gateway closed %d %s", contract.ErrInvalidInput, ce.Code, ce.Text)}
	case 4007, 4009:
		t.clearSession()
	}
	return err
}

func (t *Transport) clearSession() {
	t.mu.Lock()
	t.sessionID, t.resumeURL, t.seq = "", "", 0
	t.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C:
		return nil
	}
}
