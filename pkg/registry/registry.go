package registry

import (
	"bytes"
	"encoding/json"

	"github.com/SOF3/bthint/pkg/contract"
	flaky "github.com/SOF3/bthint/plugins/checker/flaky"
	lint "github.com/SOF3/bthint/plugins/checker/lint"
	mock "github.com/SOF3/bthint/plugins/checker/mock"
	console "github.com/SOF3/bthint/plugins/transport/console"
	discord "github.com/SOF3/bthint/plugins/transport/discord"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewChecker 工厂签名：接收原样 JSON Options。
type NewChecker func(raw json.RawMessage) (contract.Checker, error)

// NewTransport 工厂签名：接收原样 JSON Options。
type NewTransport func(raw json.RawMessage) (contract.Transport, error)

// phpOptions: php 预设仅允许覆盖可执行文件路径与收尾等待。
type phpOptions struct {
	Command     string `json:"command"`
	WaitDelayMS int    `json:"wait_delay_ms"`
}

// Checker 工厂注册表（显式、零反射）。
var Checker = map[string]NewChecker{
	// php: php -l，方言固定为 PHP
	"php": func(raw json.RawMessage) (contract.Checker, error) {
		var opts phpOptions
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return lint.New(&lint.Options{Command: opts.Command, WaitDelayMS: opts.WaitDelayMS})
	},
	// lint: 通用“stdin + 退出码”检查器，方言可配置
	"lint": func(raw json.RawMessage) (contract.Checker, error) {
		var opts lint.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return lint.New(&opts)
	},
	"mock":  func(raw json.RawMessage) (contract.Checker, error) { return mock.New(raw) },
	"flaky": func(raw json.RawMessage) (contract.Checker, error) { return flaky.New(raw) },
}

// Transport 工厂注册表。
var Transport = map[string]NewTransport{
	"discord": func(raw json.RawMessage) (contract.Transport, error) { return discord.New(raw) },
	// console: 文件/STDIN 输入，JSON 行输出
	"console": func(raw json.RawMessage) (contract.Transport, error) {
		var opts console.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return console.New(&opts)
	},
}
