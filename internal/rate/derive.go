package rate

import (
	"strings"

	"github.com/SOF3/bthint/pkg/contract"
)

// GlobalKey: 所有回复共享的分组键（跨频道的总限额）。
const GlobalKey LimitKey = "global"

// KeyForMessage 返回回复该消息时使用的频道分组键：<guild|dm>:<channel>。
// 私聊消息按 dm 分组，频道 ID 为空时归入 global。
func KeyForMessage(m contract.Message) LimitKey {
	ch := strings.TrimSpace(m.ChannelID)
	if ch == "" {
		return GlobalKey
	}
	scope := strings.TrimSpace(m.GuildID)
	if scope == "" {
		scope = "dm"
	}
	return LimitKey(scope + ":" + ch)
}
