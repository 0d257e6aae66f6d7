package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 传输使用 discord，凭据从 DISCORD_TOKEN（或 .env）读取；
// - 检查器使用 php -l；
// - 选项给出全部键与安全中性默认值。
func DefaultTemplateConfig() Config {
	cfg := Defaults()
	cfg.Bot.Reply.RPM = 6
	cfg.Bot.Reply.GlobalRPM = 30
	cfg.Options.Transport = json.RawMessage(`{
  "token": "",
  "token_env": "DISCORD_TOKEN",
  "token_file": "",
  "age_identity_file": "",
  "gateway_url": "",
  "api_base": "",
  "intents": 0,
  "timeout_seconds": 30,
  "reconnect_delay_ms": 1000,
  "queue_size": 256
}`)
	cfg.Options.Checker = json.RawMessage(`{
  "command": "php",
  "wait_delay_ms": 500
}`)
	return cfg
}

// EnvTemplate: -init-config 写出的 .env 模板。
const EnvTemplate = `# bthint 环境变量（由 godotenv 加载，不覆盖已存在的环境变量）
DISCORD_TOKEN=
# BTHINT_CLIENT_ID=
# BTHINT_TARGET_GUILD=
# BTHINT_CONCURRENCY=1
# BTHINT_LOG_LEVEL=info
# BTHINT_ON_DEADLINE=abort
`
