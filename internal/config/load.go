package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// EnvPrefix: 环境变量覆盖的统一前缀。
const EnvPrefix = "BTHINT_"

// Defaults 返回带有安全默认值的 Config 雏形。
func Defaults() Config {
	return Config{
		Transport:   "discord",
		Checker:     "php",
		Concurrency: 1,
		Logging:     Logging{Level: "info"},
		Bot: Bot{
			InviteCommand: "bthint invite",
			DedupSize:     1024,
			Reply:         Reply{MaxChars: 2000},
		},
		Detect: Detect{OnDeadline: "abort"},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；零值视为未设置，不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if s := strings.TrimSpace(over.Transport); s != "" {
		out.Transport = s
	}
	if s := strings.TrimSpace(over.Checker); s != "" {
		out.Checker = s
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}
	if s := strings.TrimSpace(over.Logging.Dir); s != "" {
		out.Logging.Dir = s
	}

	// Bot
	if s := strings.TrimSpace(over.Bot.ClientID); s != "" {
		out.Bot.ClientID = s
	}
	if s := strings.TrimSpace(over.Bot.TargetGuild); s != "" {
		out.Bot.TargetGuild = s
	}
	if s := strings.TrimSpace(over.Bot.InviteCommand); s != "" {
		out.Bot.InviteCommand = s
	}
	if over.Bot.DedupSize != 0 {
		out.Bot.DedupSize = over.Bot.DedupSize
	}
	r, or := &out.Bot.Reply, over.Bot.Reply
	if or.RPM != 0 {
		r.RPM = or.RPM
	}
	if or.CPM != 0 {
		r.CPM = or.CPM
	}
	if or.GlobalRPM != 0 {
		r.GlobalRPM = or.GlobalRPM
	}
	if or.MaxChars != 0 {
		r.MaxChars = or.MaxChars
	}
	if or.InlineTemplate != "" {
		r.InlineTemplate = or.InlineTemplate
	}
	if or.TemplatePath != "" {
		r.TemplatePath = or.TemplatePath
	}

	if s := strings.TrimSpace(over.Detect.OnDeadline); s != "" {
		out.Detect.OnDeadline = s
	}

	// Options（完整替换对应键）
	if len(over.Options.Transport) > 0 {
		out.Options.Transport = cloneRaw(over.Options.Transport)
	}
	if len(over.Options.Checker) > 0 {
		out.Options.Checker = cloneRaw(over.Options.Checker)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 BTHINT_；集合之外的键忽略；数值解析失败返回错误。
// 支持：TRANSPORT, CHECKER, CONCURRENCY, LOG_LEVEL, LOG_DIR, CLIENT_ID, TARGET_GUILD,
// INVITE_COMMAND, DEDUP_SIZE, REPLY_{RPM,CPM,GLOBAL_RPM,MAX_CHARS}, ON_DEADLINE,
// TRANSPORT_OPTIONS_JSON, CHECKER_OPTIONS_JSON。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	num := func(key, val string, dst *int) error {
		v, err := atoi(val)
		if err != nil {
			return fmt.Errorf("env %s%s: %q is not an integer", EnvPrefix, key, val)
		}
		*dst = v
		return nil
	}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := kv[eq+1:]
		if strings.TrimSpace(val) == "" {
			// 空值视为未设置，避免清空 config.json
			continue
		}
		var err error
		switch key {
		case "TRANSPORT":
			over.Transport = strings.TrimSpace(val)
		case "CHECKER":
			over.Checker = strings.TrimSpace(val)
		case "CONCURRENCY":
			err = num(key, val, &over.Concurrency)
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "LOG_DIR":
			over.Logging.Dir = strings.TrimSpace(val)
		case "CLIENT_ID":
			over.Bot.ClientID = strings.TrimSpace(val)
		case "TARGET_GUILD":
			over.Bot.TargetGuild = strings.TrimSpace(val)
		case "INVITE_COMMAND":
			over.Bot.InviteCommand = strings.TrimSpace(val)
		case "DEDUP_SIZE":
			err = num(key, val, &over.Bot.DedupSize)
		case "REPLY_RPM":
			err = num(key, val, &over.Bot.Reply.RPM)
		case "REPLY_CPM":
			err = num(key, val, &over.Bot.Reply.CPM)
		case "REPLY_GLOBAL_RPM":
			err = num(key, val, &over.Bot.Reply.GlobalRPM)
		case "REPLY_MAX_CHARS":
			err = num(key, val, &over.Bot.Reply.MaxChars)
		case "ON_DEADLINE":
			over.Detect.OnDeadline = strings.TrimSpace(val)
		case "TRANSPORT_OPTIONS_JSON":
			over.Options.Transport = json.RawMessage(val)
		case "CHECKER_OPTIONS_JSON":
			over.Options.Checker = json.RawMessage(val)
		}
		if err != nil {
			return over, err
		}
	}
	return over, nil
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func atoi(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
