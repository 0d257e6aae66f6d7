package contract

import (
	"path"
	"strings"
)

// MessageIDFromPath 将文件路径规范化为稳定的 MessageID（控制台传输使用）。
// 规则：
// - 反斜杠统一为正斜杠
// - path.Clean 清理多余分隔符与 . / .. 片段
// - 可选 suffix（如行号）以 '#' 连接
func MessageIDFromPath(p string, suffix string) MessageID {
	s := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if suffix != "" {
		s += "#" + suffix
	}
	return MessageID(s)
}
