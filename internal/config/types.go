package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// 组件名选择（注册表中的实现名）。
	Transport   string  `json:"transport"`
	Checker     string  `json:"checker"`
	Concurrency int     `json:"concurrency"`
	Logging     Logging `json:"logging"`
	Bot         Bot     `json:"bot"`
	Detect      Detect  `json:"detect"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Logging: 日志等级与落盘目录；轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Bot: 消息处理行为。
type Bot struct {
	ClientID      string `json:"client_id"`
	TargetGuild   string `json:"target_guild"`
	InviteCommand string `json:"invite_command"`
	DedupSize     int    `json:"dedup_size"`
	Reply         Reply  `json:"reply"`
}

// Reply: 回复模板、长度预算与限流配置（限流执行位于 rate.Gate）。
// RPM/CPM 按频道计；GlobalRPM 为所有频道合计。0 表示不限。
type Reply struct {
	RPM            int    `json:"rpm"`
	CPM            int    `json:"cpm"`
	GlobalRPM      int    `json:"global_rpm"`
	MaxChars       int    `json:"max_chars"`
	InlineTemplate string `json:"inline_template"`
	TemplatePath   string `json:"template_path"`
}

// Detect: 检测器策略。
type Detect struct {
	// OnDeadline: 单窗口超时后的处理，abort（默认）或 skip。
	OnDeadline string `json:"on_deadline"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Transport json.RawMessage `json:"transport"`
	Checker   json.RawMessage `json:"checker"`
}
