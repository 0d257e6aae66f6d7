package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/SOF3/bthint/internal/diag"
	"github.com/SOF3/bthint/internal/secret"
	"github.com/SOF3/bthint/pkg/contract"
)

// 网关 intents：GUILD_MESSAGES | DIRECT_MESSAGES | MESSAGE_CONTENT。
const defaultIntents = 1<<9 | 1<<12 | 1<<15

// Options: 最小必需配置；凭据按 token > token_file > token_env 取值。
type Options struct {
	Token           string `json:"token"`             // 明文传入（不推荐，按需用于测试）
	TokenEnv        string `json:"token_env"`         // 默认 DISCORD_TOKEN
	TokenFile       string `json:"token_file"`        // 可为 age 加密文件
	AgeIdentityFile string `json:"age_identity_file"` // 解密 token_file 的身份文件
	GatewayURL      string `json:"gateway_url"`       // 默认 wss://gateway.discord.gg/?v=10&encoding=json
	APIBase         string `json:"api_base"`          // 默认 https://discord.com/api/v10
	Intents         int    `json:"intents"`
	TimeoutSeconds  int    `json:"timeout_seconds"`    // REST 超时与网关握手超时
	ReconnectDelay  int    `json:"reconnect_delay_ms"` // 首次重连等待，指数退避至 60s
	QueueSize       int    `json:"queue_size"`         // 待处理消息上限，默认 256
}

func (o *Options) defaults() {
	if o.TokenEnv == "" {
		o.TokenEnv = "DISCORD_TOKEN"
	}
	if o.GatewayURL == "" {
		o.GatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
	}
	if o.APIBase == "" {
		o.APIBase = "https://discord.com/api/v10"
	}
	if o.Intents <= 0 {
		o.Intents = defaultIntents
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 30
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 1000
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
}

// Transport 实现 contract.Transport：网关收消息，REST 发回复。
type Transport struct {
	token      string
	gatewayURL string
	apiBase    string
	intents    int
	timeout    time.Duration
	retryDelay time.Duration
	queueSize  int
	do         func(*http.Request) (*http.Response, error)
	logger     *diag.Logger

	// 会话恢复状态（跨重连保留）
	mu        sync.Mutex
	sessionID string
	resumeURL string
	seq       int64
	selfID    string
}

// New 从原样 JSON 选项构造传输。
func New(raw json.RawMessage) (*Transport, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("discord options: %w", err)
		}
	}
	opts.defaults()
	tok, err := secret.Token(secret.Source{
		Value:        opts.Token,
		File:         opts.TokenFile,
		Env:          opts.TokenEnv,
		IdentityFile: opts.AgeIdentityFile,
	})
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	if _, err := url.Parse(opts.GatewayURL); err != nil {
		return nil, fmt.Errorf("discord: %w: gateway_url: %v", contract.ErrInvalidInput, err)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Transport{
		token:      tok,
		gatewayURL: opts.GatewayURL,
		apiBase:    strings.TrimRight(opts.APIBase, "/"),
		intents:    opts.Intents,
		timeout:    time.Duration(opts.TimeoutSeconds) * time.Second,
		retryDelay: time.Duration(opts.ReconnectDelay) * time.Millisecond,
		queueSize:  opts.QueueSize,
		do:         hc.Do,
	}, nil
}

// SetLogger 注入日志器（可选）。
func (t *Transport) SetLogger(l *diag.Logger) { t.logger = l }

// SelfID 返回 READY 事件中的机器人用户 ID（未连接时为空）。
func (t *Transport) SelfID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.selfID
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("discord upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

type messageReference struct {
	MessageID       string `json:"message_id"`
	ChannelID       string `json:"channel_id,omitempty"`
	GuildID         string `json:"guild_id,omitempty"`
	FailIfNotExists bool   `json:"fail_if_not_exists"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

type createMessage struct {
	Content          string            `json:"content"`
	MessageReference *messageReference `json:"message_reference,omitempty"`
	AllowedMentions  allowedMentions   `json:"allowed_mentions"`
}

// Reply 实现 contract.Transport：以原消息为引用发送回复，不触发任何提及。
func (t *Transport) Reply(ctx context.Context, to contract.Message, content string) error {
	if strings.TrimSpace(to.ChannelID) == "" {
		return fmt.Errorf("discord reply: %w: empty channel id", contract.ErrInvalidInput)
	}
	body := createMessage{Content: content, AllowedMentions: allowedMentions{Parse: []string{}}}
	if to.ID != "" {
		body.MessageReference = &messageReference{MessageID: string(to.ID), ChannelID: to.ChannelID, GuildID: to.GuildID}
	}
	b, err := json.Marshal(&body)
	if err != nil {
		return fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	endpoint := t.apiBase + "/channels/" + url.PathEscape(to.ChannelID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Authorization", "Bot "+t.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "DiscordBot (https://github.com/SOF3/bthint, 1.0)")

	resp, err := t.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("discord retry_after=%s: %w", resp.Header.Get("Retry-After"), contract.ErrRateLimited)
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return upstreamError{status: resp.StatusCode, msg: msg}
		}
		return fmt.Errorf("discord upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrInvalidInput)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

var (
	_ contract.Transport     = (*Transport)(nil)
	_ contract.UpstreamError = upstreamError{}
)
