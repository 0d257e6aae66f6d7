package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/SOF3/bthint/internal/detect"
	"github.com/SOF3/bthint/internal/diag"
	"github.com/SOF3/bthint/internal/hint"
	"github.com/SOF3/bthint/internal/pipeline"
	"github.com/SOF3/bthint/internal/rate"
	"github.com/SOF3/bthint/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if name := effName(cfg.Transport, Defaults().Transport); registry.Transport[name] == nil {
		return fmt.Errorf("config: transport %q not registered", name)
	}
	if name := effName(cfg.Checker, Defaults().Checker); registry.Checker[name] == nil {
		return fmt.Errorf("config: checker %q not registered", name)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q must be debug|info|warn|error", cfg.Logging.Level)
	}
	if cfg.Bot.DedupSize < 0 {
		return errors.New("config: bot.dedup_size must be >= 0")
	}
	r := cfg.Bot.Reply
	if r.RPM < 0 || r.CPM < 0 || r.GlobalRPM < 0 {
		return errors.New("config: bot.reply limits must be >= 0")
	}
	if r.MaxChars < 0 {
		return errors.New("config: bot.reply.max_chars must be >= 0")
	}
	if maxChars := effMaxChars(r.MaxChars); r.CPM > 0 && r.CPM < maxChars {
		return fmt.Errorf("config: bot.reply.cpm %d must be >= max_chars %d", r.CPM, maxChars)
	}
	if r.InlineTemplate != "" && r.TemplatePath != "" {
		return errors.New("config: bot.reply.inline_template and template_path are mutually exclusive")
	}
	if _, err := detect.ParseDeadlinePolicy(cfg.Detect.OnDeadline); err != nil {
		return fmt.Errorf("config: detect.on_deadline: %w", err)
	}
	return nil
}

func effMaxChars(n int) int {
	if n <= 0 {
		return hint.DefaultMaxChars
	}
	return n
}

// loggerSetter: 组件可选接口，装配期注入日志器。
type loggerSetter interface {
	SetLogger(*diag.Logger)
}

// AssembleDetector 仅构造检查器与检测器（-check 模式使用）。
func AssembleDetector(cfg Config, logger *diag.Logger) (*detect.Detector, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	chk, err := registry.Checker[effName(cfg.Checker, Defaults().Checker)](cfg.Options.Checker)
	if err != nil {
		return nil, fmt.Errorf("checker: %w", err)
	}
	if ls, ok := chk.(loggerSetter); ok {
		ls.SetLogger(logger)
	}
	policy, _ := detect.ParseDeadlinePolicy(cfg.Detect.OnDeadline)
	return detect.New(chk, detect.Options{OnDeadline: policy, Logger: logger}), nil
}

// Assemble 构造 Components 与 Settings（含回复限流 Gate）。
// 严格 Options 解析在 registry （工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config, logger *diag.Logger) (pipeline.Components, pipeline.Settings, error) {
	det, err := AssembleDetector(cfg, logger)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	tr, err := registry.Transport[effName(cfg.Transport, Defaults().Transport)](cfg.Options.Transport)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("transport: %w", err)
	}
	if ls, ok := tr.(loggerSetter); ok {
		ls.SetLogger(logger)
	}
	r := cfg.Bot.Reply
	f, err := hint.New(&hint.Options{InlineTemplate: r.InlineTemplate, TemplatePath: r.TemplatePath, MaxChars: r.MaxChars})
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}

	// 频道键按默认限额懒创建；全局键单独配置
	gate := rate.New(rate.Quota{Replies: r.RPM, Chars: r.CPM}, map[rate.LimitKey]rate.Quota{
		rate.GlobalKey: {Replies: r.GlobalRPM},
	}, nil)

	comp := pipeline.Components{Transport: tr, Detector: det, Formatter: f}
	set := pipeline.Settings{
		ClientID:      cfg.Bot.ClientID,
		TargetGuild:   cfg.Bot.TargetGuild,
		InviteCommand: cfg.Bot.InviteCommand,
		Concurrency:   cfg.Concurrency,
		DedupSize:     cfg.Bot.DedupSize,
		Gate:          gate,
	}
	return comp, set, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
